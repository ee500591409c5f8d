// Package upstream routes repository paths to upstream registries and
// manages the per-upstream HTTP clients, credentials and health state.
package upstream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caravel-registry/caravel/internal/config"
)

// ErrNoRoute is returned when no upstream can serve a repository.
var ErrNoRoute = errors.New("no upstream route for repository")

// Project is a logical namespace within an upstream.
type Project struct {
	Name      string
	Pattern   string
	Priority  int
	IsDefault bool
}

// Upstream is one configured remote registry.
type Upstream struct {
	Name          string
	DisplayName   string
	URL           string
	Registry      string // single-project form; mutually exclusive with Projects
	Projects      []Project
	Username      string
	Password      string
	SkipTLSVerify bool
	Priority      int
	Enabled       bool
	Isolated      bool
	IsDefault     bool
}

// Scope returns the cache scope key for this upstream: empty for
// shared isolation, the upstream name otherwise.
func (u *Upstream) Scope() string {
	if u.Isolated {
		return u.Name
	}
	return ""
}

// DefaultProject returns the project flagged as default, or nil.
func (u *Upstream) DefaultProject() *Project {
	for i := range u.Projects {
		if u.Projects[i].IsDefault {
			return &u.Projects[i]
		}
	}
	return nil
}

func fromConfig(c config.UpstreamConfig) *Upstream {
	u := &Upstream{
		Name:          c.Name,
		DisplayName:   c.DisplayName,
		URL:           c.URL,
		Registry:      c.Registry,
		Username:      c.Username,
		Password:      c.Password,
		SkipTLSVerify: c.SkipTLSVerify,
		Priority:      c.Priority,
		Enabled:       c.Enabled,
		Isolated:      c.CacheIsolation == "isolated",
		IsDefault:     c.IsDefault,
	}
	for _, p := range c.Projects {
		u.Projects = append(u.Projects, Project{
			Name:      p.Name,
			Pattern:   p.Pattern,
			Priority:  p.Priority,
			IsDefault: p.IsDefault,
		})
	}
	return u
}

// Health is an immutable snapshot of an upstream's health state.
type Health struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// unhealthyThreshold is the consecutive-failure count that marks an
// upstream unhealthy. One success clears it.
const unhealthyThreshold = 3

// healthState tracks outcomes under a mutex and publishes lock-free
// snapshots through an atomic pointer.
type healthState struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Health]
}

func newHealthState() *healthState {
	h := &healthState{}
	h.snapshot.Store(&Health{Healthy: true})
	return h
}

// Snapshot returns the current health without locking.
func (h *healthState) Snapshot() Health {
	return *h.snapshot.Load()
}

func (h *healthState) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot.Store(&Health{
		Healthy:   true,
		LastCheck: time.Now().UTC(),
	})
}

func (h *healthState) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.snapshot.Load()
	failures := prev.ConsecutiveFailures + 1
	h.snapshot.Store(&Health{
		Healthy:             failures < unhealthyThreshold,
		LastCheck:           time.Now().UTC(),
		LastError:           err.Error(),
		ConsecutiveFailures: failures,
	})
}
