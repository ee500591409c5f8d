package registry

import (
	"context"
	"sync"

	"github.com/caravel-registry/caravel/internal/db"
)

// flight is one in-progress upstream fetch shared by every requester of
// the same key. The fetch runs under its own context, which is
// cancelled only when the last subscriber walks away.
type flight struct {
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers int

	entry *db.Entry
	err   error
}

// flightGroup collapses concurrent misses for the same key into one
// upstream fetch per process.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// Fetch returns the shared result for key. The first caller becomes the
// leader: fn runs in a goroutine under a context detached from any one
// request, and the leader may stream to its own client from inside fn.
// Later callers subscribe and wait. If a waiter's ctx ends first it
// detaches; when the last subscriber detaches, the fetch is cancelled
// and no entry is recorded.
func (g *flightGroup) Fetch(ctx context.Context, key string, fn func(context.Context) (*db.Entry, error)) (entry *db.Entry, leader bool, err error) {
	g.mu.Lock()
	f, ok := g.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight{cancel: cancel, done: make(chan struct{})}
		g.flights[key] = f
		f.subscribers++
		g.mu.Unlock()

		go func() {
			entry, err := fn(fctx)
			g.mu.Lock()
			f.entry, f.err = entry, err
			delete(g.flights, key)
			g.mu.Unlock()
			close(f.done)
			cancel()
		}()

		return g.wait(ctx, key, f, true)
	}

	f.subscribers++
	g.mu.Unlock()
	return g.wait(ctx, key, f, false)
}

func (g *flightGroup) wait(ctx context.Context, key string, f *flight, leader bool) (*db.Entry, bool, error) {
	select {
	case <-f.done:
		return f.entry, leader, f.err
	case <-ctx.Done():
		g.mu.Lock()
		f.subscribers--
		abandoned := f.subscribers == 0
		if abandoned && g.flights[key] == f {
			delete(g.flights, key)
		}
		g.mu.Unlock()
		if abandoned {
			f.cancel()
		}
		return nil, leader, ctx.Err()
	}
}
