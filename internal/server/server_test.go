package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-registry/caravel/internal/cache"
	"github.com/caravel-registry/caravel/internal/config"
	"github.com/caravel-registry/caravel/internal/db"
)

func testServer(t *testing.T, overrides map[string]any) *Server {
	t.Helper()

	v := viper.New()
	v.Set("storage.local.path", filepath.Join(t.TempDir(), "storage"))
	v.Set("database.path", filepath.Join(t.TempDir(), "index.db"))
	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg, err := config.Load(v)
	require.NoError(t, err)

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.index.Close() })
	return srv
}

func (s *Server) testRequest(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func seedBlob(t *testing.T, s *Server, payload []byte) digest.Digest {
	t.Helper()
	dgst := digest.FromBytes(payload)
	_, err := s.cache.Put(context.Background(), db.NewEntry{
		Kind:      db.KindBlob,
		Digest:    dgst.String(),
		MediaType: "application/octet-stream",
	}, bytes.NewReader(payload))
	require.NoError(t, err)
	return dgst
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	seedBlob(t, srv, []byte("stats-blob"))

	rec := srv.testRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.EntryCount)
	assert.EqualValues(t, 1, stats.BlobCount)
	assert.EqualValues(t, 10, stats.TotalSize)
}

func TestEntriesEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	seedBlob(t, srv, []byte("blob-one"))
	seedBlob(t, srv, []byte("blob-two-longer"))

	rec := srv.testRequest(http.MethodGet, "/api/v1/cache/entries?kind=blob&sort=size&order=desc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp entryListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp.Total)
	require.Len(t, resp.Entries, 2)
	assert.Greater(t, resp.Entries[0].Size, resp.Entries[1].Size)

	rec = srv.testRequest(http.MethodGet, "/api/v1/cache/entries?sort=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteEntryEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	dgst := seedBlob(t, srv, []byte("deletable"))

	rec := srv.testRequest(http.MethodDelete, "/api/v1/cache/entries/"+dgst.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.testRequest(http.MethodDelete, "/api/v1/cache/entries/"+dgst.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.testRequest(http.MethodDelete, "/api/v1/cache/entries/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	srv := testServer(t, map[string]any{"cache.max_size": "1B"})
	seedBlob(t, srv, []byte("exceeds the one-byte size limit"))

	rec := srv.testRequest(http.MethodPost, "/api/v1/cache/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["size_evicted"])
}

func TestClearEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	seedBlob(t, srv, []byte("one"))
	seedBlob(t, srv, []byte("two"))

	rec := srv.testRequest(http.MethodPost, "/api/v1/cache/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["cleared"])
}

func TestUpstreamHealthEndpoint(t *testing.T) {
	srv := testServer(t, map[string]any{
		"upstreams": []map[string]any{{
			"name":     "mirror",
			"url":      "https://mirror.example.com",
			"registry": "library",
			"enabled":  true,
		}},
	})

	rec := srv.testRequest(http.MethodGet, "/api/v1/upstreams/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reports []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "mirror", reports[0]["name"])
	assert.Equal(t, true, reports[0]["healthy"], "upstreams start healthy")
}

func TestBasicAuthMiddleware(t *testing.T) {
	srv := testServer(t, map[string]any{
		"auth.enabled":  true,
		"auth.username": "admin",
		"auth.password": "s3cret",
	})

	rec := srv.testRequest(http.MethodGet, "/v2/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.SetBasicAuth("admin", "s3cret")
	ok := httptest.NewRecorder()
	srv.echo.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	req = httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.SetBasicAuth("admin", "wrong")
	bad := httptest.NewRecorder()
	srv.echo.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}

func TestVersionProbeThroughServer(t *testing.T) {
	srv := testServer(t, nil)
	rec := srv.testRequest(http.MethodGet, "/v2/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))
}
