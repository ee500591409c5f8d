package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/caravel-registry/caravel/internal/storage"
)

const (
	// orphanGrace protects freshly written objects whose index insert
	// may still be in flight.
	orphanGrace = 24 * time.Hour

	sweepInterval = time.Hour
)

// RunOrphanSweep periodically deletes backend objects no index entry
// references. Crashes between a backend put and the index insert leave
// such orphans behind.
func (m *Manager) RunOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.SweepOrphans(ctx); err != nil {
				log.Warn("Orphan sweep failed", "error", err)
			} else if n > 0 {
				log.Info("Orphan sweep removed objects", "count", n)
			}
		}
	}
}

// SweepOrphans runs one sweep pass and returns the number of objects
// removed.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-orphanGrace)
	removed := 0

	err := m.backend.Walk(ctx, func(obj storage.ObjectInfo) error {
		if obj.ModTime.After(cutoff) {
			return nil
		}
		scope, dgst, err := parseContentKey(obj.Key)
		if err != nil {
			log.Debug("Skipping unrecognized backend key", "key", obj.Key)
			return nil
		}
		referenced, err := m.index.HasDigest(scope, dgst)
		if err != nil {
			return err
		}
		if referenced {
			return nil
		}
		if _, err := m.backend.Delete(ctx, obj.Key); err != nil {
			log.Warn("Failed to delete orphan", "key", obj.Key, "error", err)
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}

// parseContentKey recovers (scope, digest) from a content key of the
// form [scope/]blobs/<algo>/<shard>/<hex>.
func parseContentKey(key string) (scope, dgst string, err error) {
	rest := key
	if !strings.HasPrefix(rest, "blobs/") {
		idx := strings.Index(rest, "/blobs/")
		if idx < 0 {
			return "", "", fmt.Errorf("not a content key: %s", key)
		}
		scope = rest[:idx]
		rest = rest[idx+1:]
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[0] != "blobs" {
		return "", "", fmt.Errorf("not a content key: %s", key)
	}
	algo, hex := parts[1], parts[3]
	return scope, algo + ":" + hex, nil
}
