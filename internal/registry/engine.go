package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/caravel-registry/caravel/internal/cache"
	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
	"github.com/caravel-registry/caravel/internal/upstream"
)

// fetchTimeout bounds a detached singleflight fetch so abandoned
// flights cannot hang forever.
const fetchTimeout = 30 * time.Minute

// Access is the capability check consulted before serving. The identity
// itself is established by an outer collaborator (middleware).
type Access interface {
	CanPull(r *http.Request) bool
	CanPush(r *http.Request) bool
}

// AllowAll grants every capability; the default when no auth is
// configured.
type AllowAll struct{}

func (AllowAll) CanPull(*http.Request) bool { return true }
func (AllowAll) CanPush(*http.Request) bool { return true }

// Options tunes the protocol engine.
type Options struct {
	// ManifestMaxBytes bounds manifest bodies on PUT and fetch.
	ManifestMaxBytes int64
	// SyncPush forwards pushes to the upstream before answering the
	// client; failures fail the request.
	SyncPush bool
	// Access is the capability check; nil means allow-all.
	Access Access
}

// Engine implements the OCI distribution surface on top of the cache,
// the upstream registry clients and the upload session manager.
type Engine struct {
	cache     *cache.Manager
	upstreams *upstream.Manager
	uploads   *Uploads

	manifestMax int64
	syncPush    bool
	access      Access

	// manifests collapses concurrent tag/digest manifest fetches.
	manifests singleflight.Group
	// blobs collapses concurrent streamed blob fetches.
	blobs *flightGroup
}

// NewEngine assembles the protocol engine.
func NewEngine(cacheMgr *cache.Manager, upstreams *upstream.Manager, uploads *Uploads, opts Options) *Engine {
	if opts.ManifestMaxBytes <= 0 {
		opts.ManifestMaxBytes = 4 * 1024 * 1024
	}
	if opts.Access == nil {
		opts.Access = AllowAll{}
	}
	return &Engine{
		cache:       cacheMgr,
		upstreams:   upstreams,
		uploads:     uploads,
		manifestMax: opts.ManifestMaxBytes,
		syncPush:    opts.SyncPush,
		access:      opts.Access,
		blobs:       newFlightGroup(),
	}
}

// Uploads exposes the session manager (for the sweeper).
func (e *Engine) Uploads() *Uploads { return e.uploads }

// manifestResult is the shared payload of a collapsed manifest fetch.
type manifestResult struct {
	entry *db.Entry
	body  []byte
}

// fetchManifest pulls a manifest from the upstream, verifies it, stores
// it and records the index entry. It runs under a detached context so
// the outcome is shared cleanly by every collapsed requester.
func (e *Engine) fetchManifest(res *upstream.Resolution, client *upstream.Client, repository, reference, accept string) (*manifestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	remote, err := client.GetManifest(ctx, res.EffectiveRepository, reference, accept)
	if err != nil {
		return nil, err
	}
	defer remote.Body.Close()

	body, err := io.ReadAll(io.LimitReader(remote.Body, e.manifestMax+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream manifest: %w", err)
	}
	if int64(len(body)) > e.manifestMax {
		return nil, fmt.Errorf("upstream manifest exceeds size bound of %d bytes", e.manifestMax)
	}

	computed := digest.FromBytes(body)
	if dgst, isDigest, _ := parseReference(reference); isDigest && computed != dgst {
		return nil, fmt.Errorf("%w: expected %s, got %s", errDigestMismatch, dgst, computed)
	}
	if remote.Digest != "" && remote.Digest != computed.String() {
		log.Warn("Upstream manifest digest header disagrees with content",
			"header", remote.Digest, "computed", computed)
	}

	mediaType := remote.MediaType
	if mediaType == "" {
		mediaType = upstream.MediaTypeDockerManifest
	}

	tag := ""
	if _, isDigest, _ := parseReference(reference); !isDigest {
		tag = reference
	}

	entry, err := e.cache.Put(ctx, db.NewEntry{
		Kind:       db.KindManifest,
		Scope:      res.Scope(),
		Repository: repository,
		Reference:  tag,
		Digest:     computed.String(),
		MediaType:  mediaType,
	}, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	return &manifestResult{entry: entry, body: body}, nil
}

// errDigestMismatch marks content that hashed differently than claimed.
var errDigestMismatch = errors.New("digest verification failed")

// getManifest serves the cache-aside read path shared by GET and HEAD.
// The bool result reports whether the bytes came from cache.
func (e *Engine) getManifest(res *upstream.Resolution, client *upstream.Client, repository, reference, accept string) (*db.Entry, []byte, bool, error) {
	scope := res.Scope()
	dgst, isDigest, _ := parseReference(reference)

	var entry *db.Entry
	var err error
	if isDigest {
		entry, err = e.cache.GetManifestByDigest(scope, dgst)
	} else {
		entry, err = e.cache.GetManifestByTag(scope, repository, reference)
	}

	switch {
	case err == nil:
		e.cache.RecordHit()
		return entry, nil, true, nil
	case !errors.Is(err, cache.ErrNotCached):
		return nil, nil, false, err
	}

	e.cache.RecordMiss()

	key := "manifest\x00" + scope + "\x00" + repository + "\x00" + reference
	v, err, _ := e.manifests.Do(key, func() (interface{}, error) {
		return e.fetchManifest(res, client, repository, reference, accept)
	})
	if err != nil {
		return nil, nil, false, err
	}
	result := v.(*manifestResult)
	return result.entry, result.body, false, nil
}

// fetchBlob is the flight-group leader body: it streams the upstream
// blob into backend scratch (and, when clientWriter is set, to the
// leading client at the same time), verifies the digest at EOF and
// installs the object.
func (e *Engine) fetchBlob(ctx context.Context, res *upstream.Resolution, client *upstream.Client, repository string, dgst digest.Digest, clientWriter io.Writer) (*db.Entry, error) {
	scratch := uuid.NewString()
	if err := e.cache.Backend().InitUpload(ctx, scratch); err != nil {
		return nil, fmt.Errorf("failed to init fetch scratch: %w", err)
	}
	discard := func() {
		if err := e.cache.Backend().DiscardUpload(context.Background(), scratch); err != nil {
			log.Warn("Failed to discard fetch scratch", "scratch", scratch, "error", err)
		}
	}

	remote, err := client.GetBlob(ctx, res.EffectiveRepository, dgst)
	if err != nil {
		discard()
		return nil, err
	}
	defer remote.Body.Close()

	verifier := dgst.Verifier()
	var reader io.Reader = io.TeeReader(remote.Body, verifier)
	if clientWriter != nil {
		if sizer, ok := clientWriter.(interface{ SetSize(int64) }); ok {
			sizer.SetSize(remote.Size)
		}
		reader = io.TeeReader(reader, newBestEffortWriter(clientWriter))
	}

	if _, err := e.cache.Backend().AppendUpload(ctx, scratch, reader); err != nil {
		discard()
		return nil, fmt.Errorf("failed to spool upstream blob: %w", err)
	}

	if !verifier.Verified() {
		discard()
		log.Error("Blob digest verification failed", "expected", dgst, "repository", repository)
		return nil, errDigestMismatch
	}

	key := storage.ContentKey(res.Scope(), dgst)
	size, err := e.cache.Backend().CommitUpload(ctx, scratch, key)
	if err != nil {
		discard()
		return nil, fmt.Errorf("failed to install fetched blob: %w", err)
	}

	return e.cache.Install(ctx, db.NewEntry{
		Kind:       db.KindBlob,
		Scope:      res.Scope(),
		Repository: repository,
		Digest:     dgst.String(),
		MediaType:  "application/octet-stream",
		Size:       size,
	})
}

// bestEffortWriter forwards writes until the first failure, then
// swallows the rest. A leading client that disconnects must not abort a
// fetch other subscribers still depend on.
type bestEffortWriter struct {
	w      io.Writer
	failed bool
}

func newBestEffortWriter(w io.Writer) *bestEffortWriter {
	return &bestEffortWriter{w: w}
}

func (b *bestEffortWriter) Write(p []byte) (int, error) {
	if !b.failed {
		if _, err := b.w.Write(p); err != nil {
			b.failed = true
		}
	}
	return len(p), nil
}

// mirrorBlob forwards a committed blob to the upstream, streaming it
// back out of the backend.
func (e *Engine) mirrorBlob(ctx context.Context, res *upstream.Resolution, client *upstream.Client, dgst digest.Digest, size int64) error {
	key := storage.ContentKey(res.Scope(), dgst)
	open := func() (io.ReadCloser, error) {
		return e.cache.Backend().Get(ctx, key, nil)
	}
	return client.PushBlob(ctx, res.EffectiveRepository, dgst, size, open)
}
