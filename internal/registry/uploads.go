package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
)

var (
	// ErrUploadUnknown is returned for session ids this process does
	// not know. Sessions do not survive a restart: the running hasher
	// state is bound to the process.
	ErrUploadUnknown = errors.New("upload session unknown")

	// ErrUploadBusy is returned when a second PATCH arrives while one
	// is still appending to the same session.
	ErrUploadBusy = errors.New("upload session busy")

	// ErrOffsetMismatch is returned when a Content-Range does not line
	// up with the bytes already received.
	ErrOffsetMismatch = errors.New("upload offset mismatch")

	// ErrUploadDigest is returned when the claimed digest does not
	// match the accumulated content.
	ErrUploadDigest = errors.New("upload digest mismatch")
)

// uploadSession is the in-process state of one chunked upload.
type uploadSession struct {
	id         string
	scope      string
	repository string

	mu     sync.Mutex
	hasher hash.Hash
	size   int64
}

// Uploads manages chunked blob upload sessions: scratch space in the
// backend, durable progress in the index, and the running hasher in
// process memory.
type Uploads struct {
	index   *db.Store
	backend storage.Backend
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

// NewUploads creates the session manager.
func NewUploads(index *db.Store, backend storage.Backend, ttl time.Duration) *Uploads {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Uploads{
		index:    index,
		backend:  backend,
		ttl:      ttl,
		sessions: make(map[string]*uploadSession),
	}
}

// Start opens a new session for the given scope and repository.
func (u *Uploads) Start(ctx context.Context, scope, repository string) (string, error) {
	id := uuid.NewString()

	if err := u.backend.InitUpload(ctx, id); err != nil {
		return "", fmt.Errorf("failed to init upload scratch: %w", err)
	}
	if _, err := u.index.CreateSession(id, scope, repository); err != nil {
		if derr := u.backend.DiscardUpload(ctx, id); derr != nil {
			log.Warn("Failed to discard scratch after session create failure", "session", id, "error", derr)
		}
		return "", fmt.Errorf("failed to record upload session: %w", err)
	}

	u.mu.Lock()
	u.sessions[id] = &uploadSession{
		id:         id,
		scope:      scope,
		repository: repository,
		hasher:     sha256.New(),
	}
	u.mu.Unlock()

	log.Debug("Upload session started", "session", id, "repository", repository)
	return id, nil
}

func (u *Uploads) get(id string) (*uploadSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[id]
	return s, ok
}

func (u *Uploads) drop(id string) {
	u.mu.Lock()
	delete(u.sessions, id)
	u.mu.Unlock()
}

// Progress returns the current byte offset of a session.
func (u *Uploads) Progress(id string) (int64, error) {
	s, ok := u.get(id)
	if !ok {
		return 0, ErrUploadUnknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

// Append writes a chunk at the session's current offset. When
// expectedOffset is non-negative (a Content-Range was supplied) it must
// equal the bytes already received. The chunk is durably appended
// before the session state advances.
func (u *Uploads) Append(ctx context.Context, id string, expectedOffset int64, body io.Reader) (int64, error) {
	s, ok := u.get(id)
	if !ok {
		return 0, ErrUploadUnknown
	}

	if !s.mu.TryLock() {
		return 0, ErrUploadBusy
	}
	defer s.mu.Unlock()

	if expectedOffset >= 0 && expectedOffset != s.size {
		return s.size, ErrOffsetMismatch
	}

	newSize, err := u.backend.AppendUpload(ctx, id, io.TeeReader(body, s.hasher))
	if err != nil {
		return s.size, fmt.Errorf("failed to append chunk: %w", err)
	}
	s.size = newSize

	if err := u.index.UpdateSessionProgress(id, newSize); err != nil {
		log.Warn("Failed to record session progress", "session", id, "error", err)
	}
	return newSize, nil
}

// Commit finalizes the session: the optional last chunk is appended,
// the accumulated digest is compared against the claim, and the scratch
// object is atomically installed under the content key. On digest
// mismatch the session and its scratch bytes are discarded.
func (u *Uploads) Commit(ctx context.Context, id string, claimed digest.Digest, lastChunk io.Reader) (string, int64, error) {
	s, ok := u.get(id)
	if !ok {
		return "", 0, ErrUploadUnknown
	}

	if !s.mu.TryLock() {
		return "", 0, ErrUploadBusy
	}
	defer s.mu.Unlock()

	if lastChunk != nil {
		newSize, err := u.backend.AppendUpload(ctx, id, io.TeeReader(lastChunk, s.hasher))
		if err != nil {
			return "", 0, fmt.Errorf("failed to append final chunk: %w", err)
		}
		s.size = newSize
	}

	accumulated := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(s.hasher.Sum(nil)))
	if accumulated != claimed {
		u.discard(ctx, id)
		return accumulated.String(), 0, ErrUploadDigest
	}

	key := storage.ContentKey(s.scope, claimed)
	size, err := u.backend.CommitUpload(ctx, id, key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to install upload: %w", err)
	}

	if err := u.index.DeleteSession(id); err != nil {
		log.Warn("Failed to delete committed session record", "session", id, "error", err)
	}
	u.drop(id)

	log.Debug("Upload session committed", "session", id, "digest", claimed, "size", size)
	return accumulated.String(), size, nil
}

// Cancel aborts a session and removes its scratch bytes.
func (u *Uploads) Cancel(ctx context.Context, id string) error {
	if _, ok := u.get(id); !ok {
		return ErrUploadUnknown
	}
	u.discard(ctx, id)
	return nil
}

func (u *Uploads) discard(ctx context.Context, id string) {
	if err := u.backend.DiscardUpload(ctx, id); err != nil {
		log.Warn("Failed to discard upload scratch", "session", id, "error", err)
	}
	if err := u.index.DeleteSession(id); err != nil {
		log.Warn("Failed to delete session record", "session", id, "error", err)
	}
	u.drop(id)
}

// RunSweeper garbage-collects sessions idle past the TTL, including
// stale rows left behind by a previous process.
func (u *Uploads) RunSweeper(ctx context.Context) {
	interval := u.ttl / 4
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := u.SweepExpired(ctx); n > 0 {
				log.Info("Swept expired upload sessions", "count", n)
			}
		}
	}
}

// SweepExpired removes expired sessions and returns how many went.
func (u *Uploads) SweepExpired(ctx context.Context) int {
	expired, err := u.index.ExpiredSessions(time.Now().Add(-u.ttl))
	if err != nil {
		log.Warn("Failed to list expired sessions", "error", err)
		return 0
	}
	for _, sess := range expired {
		u.discard(ctx, sess.ID)
	}
	return len(expired)
}
