package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-registry/caravel/internal/storage"
)

func TestParseContentKey(t *testing.T) {
	scope, dgst, err := parseContentKey("blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, "", scope)
	assert.Equal(t, "sha256:abcd", dgst)

	scope, dgst, err = parseContentKey("mirror/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, "mirror", scope)
	assert.Equal(t, "sha256:abcd", dgst)

	_, _, err = parseContentKey("uploads/some-id")
	assert.Error(t, err)
	_, _, err = parseContentKey("blobs/sha256/abcd")
	assert.Error(t, err)
}

func TestSweepOrphans(t *testing.T) {
	index := testManager(t, Config{MaxSize: 1 << 20})
	ctx := context.Background()

	// A referenced object: indexed and present.
	referenced := []byte("referenced")
	putBlob(t, index, "", referenced)

	// An orphan: present in the backend, unknown to the index.
	orphan := digest.FromString("orphan-bytes")
	orphanKey := storage.ContentKey("", orphan)
	_, err := index.Backend().Put(ctx, orphanKey, strings.NewReader("orphan-bytes"))
	require.NoError(t, err)

	// Fresh objects sit inside the grace period and are spared.
	removed, err := index.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Age both files past the grace period; only the orphan goes.
	backend := index.Backend().(*storage.Local)
	old := time.Now().Add(-48 * time.Hour)
	err = backend.Walk(ctx, func(obj storage.ObjectInfo) error {
		path := filepath.Join(backend.Root(), filepath.FromSlash(obj.Key))
		return os.Chtimes(path, old, old)
	})
	require.NoError(t, err)

	removed, err = index.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := index.Backend().Exists(ctx, orphanKey)
	require.NoError(t, err)
	assert.False(t, exists)

	refKey := storage.ContentKey("", digest.FromBytes(referenced))
	exists, err = index.Backend().Exists(ctx, refKey)
	require.NoError(t, err)
	assert.True(t, exists, "referenced objects survive the sweep")
}
