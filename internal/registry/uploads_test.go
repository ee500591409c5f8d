package registry

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
)

func testUploads(t *testing.T, ttl time.Duration) (*Uploads, *db.Store, storage.Backend) {
	t.Helper()
	index, err := db.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	return NewUploads(index, backend, ttl), index, backend
}

func TestUploadAccumulatesDigest(t *testing.T) {
	uploads, _, _ := testUploads(t, time.Hour)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "library/app")
	require.NoError(t, err)

	content := "hello, chunked world"
	mid := len(content) / 2

	size, err := uploads.Append(ctx, id, 0, strings.NewReader(content[:mid]))
	require.NoError(t, err)
	assert.EqualValues(t, mid, size)

	size, err = uploads.Append(ctx, id, int64(mid), strings.NewReader(content[mid:]))
	require.NoError(t, err)
	assert.EqualValues(t, len(content), size)

	want := digest.FromString(content)
	accumulated, committed, err := uploads.Commit(ctx, id, want, nil)
	require.NoError(t, err)
	assert.Equal(t, want.String(), accumulated)
	assert.EqualValues(t, len(content), committed)

	// The session is gone after commit.
	_, err = uploads.Progress(id)
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestUploadOffsetAssertion(t *testing.T) {
	uploads, _, _ := testUploads(t, time.Hour)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "r")
	require.NoError(t, err)

	_, err = uploads.Append(ctx, id, 5, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrOffsetMismatch)

	// Without an asserted offset the chunk lands at the current end.
	_, err = uploads.Append(ctx, id, -1, strings.NewReader("abc"))
	require.NoError(t, err)

	size, err := uploads.Progress(id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
}

func TestUploadDigestMismatchDiscards(t *testing.T) {
	uploads, index, _ := testUploads(t, time.Hour)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "r")
	require.NoError(t, err)
	_, err = uploads.Append(ctx, id, -1, strings.NewReader("actual"))
	require.NoError(t, err)

	_, _, err = uploads.Commit(ctx, id, digest.FromString("claimed"), nil)
	assert.ErrorIs(t, err, ErrUploadDigest)

	// Session and scratch are gone; a retry must start over.
	_, err = uploads.Progress(id)
	assert.ErrorIs(t, err, ErrUploadUnknown)
	_, err = index.GetSession(id)
	assert.ErrorIs(t, err, db.ErrSessionNotFound)
}

func TestUploadConcurrentPatchRejected(t *testing.T) {
	uploads, _, _ := testUploads(t, time.Hour)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "r")
	require.NoError(t, err)

	// Hold the session lock from a slow reader and race a second
	// append against it.
	blocked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := uploads.Append(ctx, id, -1, &gatedReader{blocked: blocked, release: release})
		assert.NoError(t, err)
	}()

	<-blocked
	_, err = uploads.Append(ctx, id, -1, strings.NewReader("second"))
	assert.ErrorIs(t, err, ErrUploadBusy)
	close(release)
	wg.Wait()
}

type gatedReader struct {
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
	done    bool
}

func (r *gatedReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.blocked) })
	<-r.release
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	n := copy(p, "first")
	return n, nil
}

func TestUploadSessionNotSharedAcrossRestart(t *testing.T) {
	uploads, index, backend := testUploads(t, time.Hour)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "r")
	require.NoError(t, err)

	// A new manager over the same index and backend simulates a process
	// restart: the hasher state is gone, so the session is unknown.
	restarted := NewUploads(index, backend, time.Hour)
	_, err = restarted.Append(ctx, id, -1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestSweepExpiredSessions(t *testing.T) {
	// TTL of zero rounds up to the default, so use a 1ms TTL and let it
	// lapse before sweeping.
	uploads, index, backend := testUploads(t, time.Millisecond)
	ctx := context.Background()

	id, err := uploads.Start(ctx, "", "r")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	swept := uploads.SweepExpired(ctx)
	assert.Equal(t, 1, swept)

	_, err = index.GetSession(id)
	assert.ErrorIs(t, err, db.ErrSessionNotFound)

	_, err = backend.UploadSize(ctx, id)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}
