package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestParseChallenge(t *testing.T) {
	ch, ok := parseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/nginx:pull"`)
	require.True(t, ok)
	assert.Equal(t, "bearer", ch.scheme)
	assert.Equal(t, "https://auth.example.com/token", ch.realm)
	assert.Equal(t, "registry.example.com", ch.service)
	assert.Equal(t, "repository:library/nginx:pull", ch.scope)

	ch, ok = parseChallenge(`Basic realm="Registry"`)
	require.True(t, ok)
	assert.Equal(t, "basic", ch.scheme)

	_, ok = parseChallenge(`Bearer service="x"`)
	assert.False(t, ok, "bearer challenge without realm is unusable")

	_, ok = parseChallenge(`Digest realm="x"`)
	assert.False(t, ok)
}

func TestTokenCacheFetchAndReuse(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "registry", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:a/b:pull", r.URL.Query().Get("scope"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bob", user)
		assert.Equal(t, "secret", pass)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires_in": 300})
	}))
	defer srv.Close()

	tc := newTokenCache()
	ch := &challenge{scheme: "bearer", realm: srv.URL, service: "registry", scope: "repository:a/b:pull"}

	tok, err := tc.fetch(context.Background(), srv.Client(), ch, "bob", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// Second fetch hits the cache.
	tok, err = tc.fetch(context.Background(), srv.Client(), ch, "bob", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, calls.Load())

	tc.invalidate(ch.scope)
	_, err = tc.fetch(context.Background(), srv.Client(), ch, "bob", "secret")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTokenCacheAccessTokenAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "alias-tok"})
	}))
	defer srv.Close()

	tc := newTokenCache()
	ch := &challenge{scheme: "bearer", realm: srv.URL, scope: "s"}
	tok, err := tc.fetch(context.Background(), srv.Client(), ch, "", "")
	require.NoError(t, err)
	assert.Equal(t, "alias-tok", tok)
}

func TestTokenRefreshSingleflight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 300})
	}))
	defer srv.Close()

	tc := newTokenCache()
	ch := &challenge{scheme: "bearer", realm: srv.URL, scope: "s"}

	var group errgroup.Group
	for i := 0; i < 10; i++ {
		group.Go(func() error {
			_, err := tc.fetch(context.Background(), srv.Client(), ch, "", "")
			return err
		})
	}
	close(release)
	require.NoError(t, group.Wait())
	assert.EqualValues(t, 1, calls.Load(), "concurrent refreshes must collapse")
}
