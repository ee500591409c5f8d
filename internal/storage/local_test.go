package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocal(t *testing.T) *Local {
	t.Helper()
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return backend
}

func TestContentKeyLayout(t *testing.T) {
	dgst := digest.FromString("hello")
	hex := dgst.Encoded()

	key := ContentKey("", dgst)
	assert.Equal(t, "blobs/sha256/"+hex[:2]+"/"+hex, key)

	isolated := ContentKey("mirror", dgst)
	assert.Equal(t, "mirror/"+key, isolated)

	assert.True(t, IsContentKey(key))
	assert.True(t, IsContentKey(isolated))
	assert.False(t, IsContentKey("uploads/abc"))
}

func TestValidateDigest(t *testing.T) {
	dgst := digest.FromString("x")
	parsed, err := ValidateDigest(dgst.String())
	require.NoError(t, err)
	assert.Equal(t, dgst, parsed)

	_, err = ValidateDigest("sha256:../../../etc/passwd")
	assert.Error(t, err)
	_, err = ValidateDigest("not-a-digest")
	assert.Error(t, err)
	_, err = ValidateDigest("sha256:ZZZZ")
	assert.Error(t, err)
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	payload := []byte("some layer content")
	key := ContentKey("", digest.FromBytes(payload))

	n, err := backend.Put(ctx, key, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)

	exists, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := backend.Stat(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)

	rc, err := backend.Get(ctx, key, nil)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)
}

func TestLocalGetRange(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	payload := []byte("0123456789")
	key := ContentKey("", digest.FromBytes(payload))

	_, err := backend.Put(ctx, key, bytes.NewReader(payload))
	require.NoError(t, err)

	rc, err := backend.Get(ctx, key, &Range{Start: 2, End: 5})
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "2345", string(got))

	// Open-ended range runs to EOF.
	rc, err = backend.Get(ctx, key, &Range{Start: 7, End: -1})
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "789", string(got))

	// First byte only.
	rc, err = backend.Get(ctx, key, &Range{Start: 0, End: 0})
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "0", string(got))
}

func TestLocalGetMissing(t *testing.T) {
	backend := testLocal(t)
	_, err := backend.Get(context.Background(), "blobs/sha256/ab/abcd", nil)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = backend.Stat(context.Background(), "blobs/sha256/ab/abcd")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocalPutLeavesNoPartialOnFailure(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	key := "blobs/sha256/ab/abcd"

	failing := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	_, err := backend.Put(ctx, key, failing)
	require.Error(t, err)

	exists, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists, "a failed put must not install the final key")
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocalDelete(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	key := "blobs/sha256/ab/abcd"

	_, err := backend.Put(ctx, key, strings.NewReader("x"))
	require.NoError(t, err)

	removed, err := backend.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = backend.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLocalUploadLifecycle(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, backend.InitUpload(ctx, id))

	size, err := backend.UploadSize(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, size)

	size, err = backend.AppendUpload(ctx, id, strings.NewReader("first-"))
	require.NoError(t, err)
	assert.EqualValues(t, 6, size)

	size, err = backend.AppendUpload(ctx, id, strings.NewReader("second"))
	require.NoError(t, err)
	assert.EqualValues(t, 12, size)

	key := "blobs/sha256/ab/abcd"
	committed, err := backend.CommitUpload(ctx, id, key)
	require.NoError(t, err)
	assert.EqualValues(t, 12, committed)

	rc, err := backend.Get(ctx, key, nil)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "first-second", string(got))

	// Scratch is gone after commit.
	_, err = backend.UploadSize(ctx, id)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocalDiscardUpload(t *testing.T) {
	backend := testLocal(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, backend.InitUpload(ctx, id))
	require.NoError(t, backend.DiscardUpload(ctx, id))
	// Discarding twice is not an error.
	require.NoError(t, backend.DiscardUpload(ctx, id))

	_, err := backend.AppendUpload(ctx, id, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocalWalkSkipsUploadsAndTemp(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocal(root)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = backend.Put(ctx, "blobs/sha256/aa/aaaa", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = backend.Put(ctx, "mirror/blobs/sha256/bb/bbbb", strings.NewReader("two"))
	require.NoError(t, err)
	require.NoError(t, backend.InitUpload(ctx, "some-session"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blobs", "leftover.tmp"), []byte("x"), 0o644))

	var keys []string
	err = backend.Walk(ctx, func(obj ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blobs/sha256/aa/aaaa", "mirror/blobs/sha256/bb/bbbb"}, keys)
}
