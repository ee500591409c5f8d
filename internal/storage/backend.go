// Package storage provides the content-addressed object store behind
// the cache, with local-filesystem and S3-compatible variants.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// ErrKeyNotFound is returned when a key has no object.
var ErrKeyNotFound = errors.New("storage: key not found")

// Range selects a byte range of an object. Start and End are inclusive;
// End < 0 means "to EOF".
type Range struct {
	Start int64
	End   int64
}

// ObjectInfo describes one stored object during a Walk.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the polymorphic storage contract. Keys are opaque
// slash-separated UTF-8 strings. Put must appear atomic to concurrent
// readers: a partially written object is never visible under its final
// key.
type Backend interface {
	// Put streams r into the object at key and returns the byte count.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the object at key, optionally restricted to a range.
	Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error)
	// Stat returns the object's size.
	Stat(ctx context.Context, key string) (int64, error)
	// Exists reports whether the key has an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. Best-effort; returns false when the
	// key had no object.
	Delete(ctx context.Context, key string) (bool, error)

	// InitUpload creates an empty scratch object for an upload session.
	InitUpload(ctx context.Context, id string) error
	// AppendUpload appends r to the session scratch and returns the new
	// total size.
	AppendUpload(ctx context.Context, id string, r io.Reader) (int64, error)
	// UploadSize returns the current scratch size.
	UploadSize(ctx context.Context, id string) (int64, error)
	// CommitUpload atomically installs the scratch object under the
	// final content key and returns its size.
	CommitUpload(ctx context.Context, id, key string) (int64, error)
	// DiscardUpload removes the scratch object. Unknown ids are not an
	// error.
	DiscardUpload(ctx context.Context, id string) error

	// Walk visits every content object (scratch objects excluded).
	Walk(ctx context.Context, fn func(ObjectInfo) error) error
}

// ContentKey derives the backend key for a digest within a cache scope.
// Shared-scope objects live under blobs/<algo>/<hex[0:2]>/<hex>;
// isolated upstreams prefix the key with their name.
func ContentKey(scope string, dgst digest.Digest) string {
	algo := string(dgst.Algorithm())
	hex := dgst.Encoded()
	key := fmt.Sprintf("blobs/%s/%s/%s", algo, hex[:2], hex)
	if scope != "" {
		return scope + "/" + key
	}
	return key
}

// UploadKey derives the scratch key for an upload session id.
func UploadKey(id string) string {
	return "uploads/" + id
}

// IsContentKey reports whether a walked key addresses content (as
// opposed to upload scratch space).
func IsContentKey(key string) bool {
	return strings.HasPrefix(key, "blobs/") || strings.Contains(key, "/blobs/")
}

// ValidateDigest parses and validates a digest string, rejecting
// anything that could smuggle path segments into a backend key.
func ValidateDigest(s string) (digest.Digest, error) {
	dgst, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(dgst.Encoded()) < 2 {
		return "", fmt.Errorf("invalid digest %q: encoded hash too short", s)
	}
	return dgst, nil
}
