package cache

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
)

// evictionBatch bounds how many index deletes share one transaction.
const evictionBatch = 100

// kickEviction schedules an on-demand eviction pass without blocking
// the inserting request.
func (m *Manager) kickEviction() {
	select {
	case m.evictNow <- struct{}{}:
	default:
	}
}

// RunEvictionLoop runs retention and size eviction on the configured
// interval and whenever an insert signals pressure.
func (m *Manager) RunEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.evictNow:
		}

		if _, _, err := m.RunMaintenance(ctx); err != nil {
			log.Warn("Cache maintenance failed", "error", err)
		}
	}
}

// RunMaintenance runs one full pass: retention eviction, then size
// eviction. It returns the evicted entry counts.
func (m *Manager) RunMaintenance(ctx context.Context) (retained, sized int, err error) {
	retained, err = m.evictExpired(ctx)
	if err != nil {
		return retained, 0, err
	}
	sized, err = m.evictToSize(ctx)
	return retained, sized, err
}

// evictExpired removes every entry older than the retention window.
func (m *Manager) evictExpired(ctx context.Context) (int, error) {
	if m.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)

	total := 0
	for {
		entries, err := m.index.ExpiredEntries(cutoff, evictionBatch)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}
		n, err := m.evictEntries(ctx, entries)
		total += n
		if err != nil {
			return total, err
		}
		if len(entries) < evictionBatch {
			return total, nil
		}
	}
}

// evictToSize evicts per the configured policy until the cache fits the
// size bound.
func (m *Manager) evictToSize(ctx context.Context) (int, error) {
	if m.cfg.MaxSize <= 0 {
		return 0, nil
	}

	total := 0
	for {
		size, err := m.index.TotalSize()
		if err != nil {
			return total, err
		}
		if size <= m.cfg.MaxSize {
			return total, nil
		}

		candidates, err := m.index.EvictionCandidates(m.cfg.EvictionPolicy, evictionBatch)
		if err != nil {
			return total, err
		}
		if len(candidates) == 0 {
			return total, nil
		}

		// Trim the batch to just enough bytes to get under the bound.
		excess := size - m.cfg.MaxSize
		var freed int64
		cut := len(candidates)
		for i, e := range candidates {
			freed += e.Size
			if freed >= excess {
				cut = i + 1
				break
			}
		}

		n, err := m.evictEntries(ctx, candidates[:cut])
		total += n
		if err != nil {
			return total, err
		}
	}
}

// evictEntries deletes index entries first (batched in one
// transaction), then the backend objects. A failed backend delete is
// logged and left for the orphan sweep; a failure never stops the pass.
func (m *Manager) evictEntries(ctx context.Context, entries []db.Entry) (int, error) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := m.index.DeleteBatch(ids); err != nil {
		return 0, err
	}

	for _, e := range entries {
		key := storage.ContentKey(e.Scope, digest.Digest(e.Digest))
		if _, err := m.backend.Delete(ctx, key); err != nil {
			log.Warn("Failed to delete evicted object, leaving orphan for sweep",
				"key", key, "error", err)
		}
		log.Debug("Evicted cache entry", "kind", e.Kind, "digest", e.Digest, "size", e.Size)
	}
	return len(entries), nil
}
