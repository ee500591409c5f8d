// Package cache ties the index and the storage backend together and
// enforces the size and retention bounds.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
)

// ErrNotCached is returned when the index has no entry for the requested
// object, or when its entry's backend object is missing.
var ErrNotCached = errors.New("cache: not cached")

// Config bounds the cache.
type Config struct {
	MaxSize          int64
	RetentionDays    int
	EvictionPolicy   string
	EvictionInterval time.Duration
}

// Manager mediates every cache read and write. Backend writes precede
// index inserts so a lookup never observes an entry without bytes.
type Manager struct {
	index   *db.Store
	backend storage.Backend
	cfg     Config

	hits   atomic.Int64
	misses atomic.Int64

	// evictNow wakes the eviction worker after an insert.
	evictNow chan struct{}
}

// NewManager creates the cache manager.
func NewManager(index *db.Store, backend storage.Backend, cfg Config) *Manager {
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = time.Minute
	}
	log.Info("Cache manager initialized",
		"max_size", cfg.MaxSize, "retention_days", cfg.RetentionDays, "policy", cfg.EvictionPolicy)
	return &Manager{
		index:    index,
		backend:  backend,
		cfg:      cfg,
		evictNow: make(chan struct{}, 1),
	}
}

// Index exposes the underlying store for collaborators that need raw
// entry access (admin listing).
func (m *Manager) Index() *db.Store { return m.index }

// Backend exposes the storage backend.
func (m *Manager) Backend() storage.Backend { return m.backend }

// RecordHit notes a request served from cache.
func (m *Manager) RecordHit() { m.hits.Add(1) }

// RecordMiss notes a request that had to go upstream.
func (m *Manager) RecordMiss() { m.misses.Add(1) }

// GetManifestByDigest resolves a manifest entry by digest within a
// scope, without touching access stats.
func (m *Manager) GetManifestByDigest(scope string, dgst digest.Digest) (*db.Entry, error) {
	return m.lookup(db.KindManifest, scope, dgst.String())
}

// GetManifestByTag resolves a manifest entry by tag within a scope.
func (m *Manager) GetManifestByTag(scope, repository, tag string) (*db.Entry, error) {
	entry, err := m.index.GetManifestByTag(scope, repository, tag)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotCached
	}
	return entry, err
}

// GetBlob resolves a blob entry by digest within a scope.
func (m *Manager) GetBlob(scope string, dgst digest.Digest) (*db.Entry, error) {
	return m.lookup(db.KindBlob, scope, dgst.String())
}

func (m *Manager) lookup(kind db.Kind, scope, dgst string) (*db.Entry, error) {
	entry, err := m.index.GetEntryByDigest(kind, scope, dgst)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotCached
	}
	return entry, err
}

// Open streams the bytes of an entry from the backend and bumps its
// access stats. An entry whose backend object has vanished is dropped
// from the index and reported as uncached.
func (m *Manager) Open(ctx context.Context, entry *db.Entry, rng *storage.Range) (io.ReadCloser, error) {
	key := storage.ContentKey(entry.Scope, digest.Digest(entry.Digest))
	rc, err := m.backend.Get(ctx, key, rng)
	if errors.Is(err, storage.ErrKeyNotFound) {
		log.Warn("Index entry has no backend object, dropping", "digest", entry.Digest, "scope", entry.Scope)
		if _, derr := m.index.DeleteEntry(entry.ID); derr != nil {
			log.Error("Failed to drop dangling index entry", "id", entry.ID, "error", derr)
		}
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	if err := m.index.TouchEntry(entry.ID); err != nil {
		log.Warn("Failed to touch cache entry", "id", entry.ID, "error", err)
	}
	return rc, nil
}

// Touch bumps access stats for an entry served without opening its
// bytes (HEAD requests).
func (m *Manager) Touch(entry *db.Entry) {
	if err := m.index.TouchEntry(entry.ID); err != nil {
		log.Warn("Failed to touch cache entry", "id", entry.ID, "error", err)
	}
}

// Put streams r into the backend under the entry's content key and then
// records the index entry. On index failure the backend object is
// deleted; if that also fails the orphan is left for the sweep.
func (m *Manager) Put(ctx context.Context, e db.NewEntry, r io.Reader) (*db.Entry, error) {
	key := storage.ContentKey(e.Scope, digest.Digest(e.Digest))

	size, err := m.backend.Put(ctx, key, r)
	if err != nil {
		return nil, fmt.Errorf("backend put failed: %w", err)
	}
	e.Size = size

	entry, err := m.index.InsertEntry(e)
	if err != nil {
		if _, derr := m.backend.Delete(ctx, key); derr != nil {
			log.Warn("Orphan left after failed index insert", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("index insert failed: %w", err)
	}

	m.kickEviction()
	return entry, nil
}

// Install records an index entry for bytes that already sit in the
// backend (upload commits and mounts).
func (m *Manager) Install(ctx context.Context, e db.NewEntry) (*db.Entry, error) {
	entry, err := m.index.InsertEntry(e)
	if err != nil {
		key := storage.ContentKey(e.Scope, digest.Digest(e.Digest))
		if _, derr := m.backend.Delete(ctx, key); derr != nil {
			log.Warn("Orphan left after failed index insert", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("index insert failed: %w", err)
	}
	m.kickEviction()
	return entry, nil
}

// Contains reports whether a digest is cached under the scope, in
// either kind.
func (m *Manager) Contains(scope string, dgst digest.Digest) (*db.Entry, bool) {
	if entry, err := m.lookup(db.KindBlob, scope, dgst.String()); err == nil {
		return entry, true
	}
	if entry, err := m.lookup(db.KindManifest, scope, dgst.String()); err == nil {
		return entry, true
	}
	return nil, false
}

// DeleteByDigest removes every entry carrying the digest, across kinds
// and scopes, along with the backend objects.
func (m *Manager) DeleteByDigest(ctx context.Context, dgst string) (int, error) {
	entries, err := m.index.DeleteEntriesByDigest(dgst)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		key := storage.ContentKey(e.Scope, digest.Digest(e.Digest))
		if _, err := m.backend.Delete(ctx, key); err != nil {
			log.Warn("Failed to delete backend object", "key", key, "error", err)
		}
	}
	return len(entries), nil
}

// Clear removes every entry and backend object and returns the count.
func (m *Manager) Clear(ctx context.Context) (int64, error) {
	var cleared int64
	var ids []int64
	err := m.index.AllEntries(func(e db.Entry) error {
		key := storage.ContentKey(e.Scope, digest.Digest(e.Digest))
		if _, err := m.backend.Delete(ctx, key); err != nil {
			log.Warn("Failed to delete backend object during clear", "key", key, "error", err)
		}
		ids = append(ids, e.ID)
		cleared++
		return nil
	})
	if err != nil {
		return cleared, err
	}
	if err := m.index.DeleteBatch(ids); err != nil {
		return cleared, err
	}
	log.Info("Cache cleared", "entries", cleared)
	return cleared, nil
}

// Stats is the externally visible cache accounting.
type Stats struct {
	TotalSize     int64   `json:"total_size"`
	EntryCount    int64   `json:"entry_count"`
	ManifestCount int64   `json:"manifest_count"`
	BlobCount     int64   `json:"blob_count"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	HitRate       float64 `json:"hit_rate"`
}

// Stats assembles counts from the index and the process-lifetime
// hit/miss counters.
func (m *Manager) Stats() (Stats, error) {
	counts, err := m.index.EntryCounts()
	if err != nil {
		return Stats{}, err
	}

	hits := m.hits.Load()
	misses := m.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		TotalSize:     counts.TotalSize,
		EntryCount:    counts.Entries,
		ManifestCount: counts.Manifests,
		BlobCount:     counts.Blobs,
		HitCount:      hits,
		MissCount:     misses,
		HitRate:       rate,
	}, nil
}
