package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"

	"github.com/caravel-registry/caravel/internal/cache"
	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
	"github.com/caravel-registry/caravel/internal/upstream"
)

const apiVersionHeader = "Docker-Distribution-API-Version"

// Register mounts the OCI distribution surface.
func (e *Engine) Register(ec *echo.Echo) {
	ec.GET("/v2", e.handleVersion)
	ec.GET("/v2/", e.handleVersion)
	ec.Any("/v2/*", e.dispatch)
}

func (e *Engine) handleVersion(c echo.Context) error {
	c.Response().Header().Set(apiVersionHeader, "registry/2.0")
	return c.JSONBlob(http.StatusOK, []byte("{}"))
}

type requestKind int

const (
	kindUnknown requestKind = iota
	kindManifest
	kindBlob
	kindUploadInit
	kindUpload
	kindTags
)

// v2Request is a parsed registry path. Repository names contain
// slashes, so parsing anchors on the last operation segment.
type v2Request struct {
	kind      requestKind
	name      string
	reference string // manifest reference, blob digest, or session id
}

func parseV2Path(path string) v2Request {
	path = strings.TrimPrefix(path, "/v2/")

	if idx := strings.LastIndex(path, "/manifests/"); idx >= 0 {
		return v2Request{kind: kindManifest, name: path[:idx], reference: path[idx+len("/manifests/"):]}
	}
	if idx := strings.LastIndex(path, "/blobs/uploads"); idx >= 0 {
		rest := strings.TrimPrefix(path[idx+len("/blobs/uploads"):], "/")
		if rest == "" {
			return v2Request{kind: kindUploadInit, name: path[:idx]}
		}
		return v2Request{kind: kindUpload, name: path[:idx], reference: rest}
	}
	if idx := strings.LastIndex(path, "/blobs/"); idx >= 0 {
		return v2Request{kind: kindBlob, name: path[:idx], reference: path[idx+len("/blobs/"):]}
	}
	if name, ok := strings.CutSuffix(path, "/tags/list"); ok {
		return v2Request{kind: kindTags, name: name}
	}
	return v2Request{kind: kindUnknown}
}

func (e *Engine) dispatch(c echo.Context) error {
	c.Response().Header().Set(apiVersionHeader, "registry/2.0")

	req := parseV2Path(c.Request().URL.Path)
	if req.kind == kindUnknown || !validRepositoryName(req.name) {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "unrecognized registry path", c.Request().URL.Path)
	}

	method := c.Request().Method
	switch {
	case req.kind == kindManifest && (method == http.MethodGet || method == http.MethodHead):
		return e.handleManifestGet(c, req)
	case req.kind == kindManifest && method == http.MethodPut:
		return e.handleManifestPut(c, req)
	case req.kind == kindBlob && (method == http.MethodGet || method == http.MethodHead):
		return e.handleBlobGet(c, req)
	case req.kind == kindUploadInit && method == http.MethodPost:
		return e.handleUploadStart(c, req)
	case req.kind == kindUpload && method == http.MethodPatch:
		return e.handleUploadPatch(c, req)
	case req.kind == kindUpload && method == http.MethodPut:
		return e.handleUploadPut(c, req)
	case req.kind == kindUpload && method == http.MethodGet:
		return e.handleUploadStatus(c, req)
	case req.kind == kindUpload && method == http.MethodDelete:
		return e.handleUploadCancel(c, req)
	case req.kind == kindTags && method == http.MethodGet:
		return e.handleTagsList(c, req)
	}
	return writeError(c, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed for this endpoint", method)
}

// resolve routes the repository and maps routing misses onto the OCI
// error space.
func (e *Engine) resolve(c echo.Context, name string) (*upstream.Resolution, *upstream.Client, error) {
	res, client, err := e.upstreams.Resolve(name)
	if errors.Is(err, upstream.ErrNoRoute) {
		return nil, nil, errNameUnknown(c, name)
	}
	if err != nil {
		return nil, nil, writeError(c, http.StatusInternalServerError, CodeUnknown, "routing failed", err.Error())
	}
	return res, client, nil
}

// ==================== Manifests ====================

func (e *Engine) handleManifestGet(c echo.Context, req v2Request) error {
	if !e.access.CanPull(c.Request()) {
		return errDenied(c)
	}

	if _, _, ok := parseReference(req.reference); !ok {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "reference is neither a valid tag nor a digest", req.reference)
	}

	res, client, err := e.resolve(c, req.name)
	if res == nil {
		return err
	}

	accept := c.Request().Header.Get("Accept")
	entry, body, fromCache, err := e.getManifest(res, client, req.name, req.reference, accept)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrNotFound):
		return errManifestUnknown(c, req.reference)
	case errors.Is(err, errDigestMismatch):
		return errDigestInvalid(c, err.Error())
	default:
		log.Error("Manifest fetch failed", "repository", req.name, "reference", req.reference, "error", err)
		return errUpstream(c, err)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, entry.MediaType)
	h.Set("Docker-Content-Digest", entry.Digest)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(entry.Size, 10))

	if c.Request().Method == http.MethodHead {
		if fromCache {
			e.cache.Touch(entry)
		}
		return c.NoContent(http.StatusOK)
	}

	if !fromCache {
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write(body)
		return err
	}

	rc, err := e.cache.Open(c.Request().Context(), entry, nil)
	if errors.Is(err, cache.ErrNotCached) {
		return errManifestUnknown(c, req.reference)
	}
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to read cached manifest", err.Error())
	}
	defer rc.Close()

	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}

func (e *Engine) handleManifestPut(c echo.Context, req v2Request) error {
	if !e.access.CanPush(c.Request()) {
		return errDenied(c)
	}

	refDigest, isDigest, ok := parseReference(req.reference)
	if !ok {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "reference is neither a valid tag nor a digest", req.reference)
	}

	res, client, err := e.resolve(c, req.name)
	if res == nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, e.manifestMax+1))
	if err != nil {
		return writeError(c, http.StatusBadRequest, CodeUnknown, "failed to read manifest body", err.Error())
	}
	if int64(len(body)) > e.manifestMax {
		return writeError(c, http.StatusBadRequest, CodeSizeInvalid,
			fmt.Sprintf("manifest exceeds the configured maximum of %d bytes", e.manifestMax), nil)
	}

	computed := digest.FromBytes(body)
	if isDigest && computed != refDigest {
		return errDigestInvalid(c, map[string]string{"expected": refDigest.String(), "actual": computed.String()})
	}

	mediaType := c.Request().Header.Get(echo.HeaderContentType)
	if mediaType == "" {
		mediaType = upstream.MediaTypeDockerManifest
	}

	tag := ""
	if !isDigest {
		tag = req.reference
	}

	if _, err := e.cache.Put(c.Request().Context(), db.NewEntry{
		Kind:       db.KindManifest,
		Scope:      res.Scope(),
		Repository: req.name,
		Reference:  tag,
		Digest:     computed.String(),
		MediaType:  mediaType,
	}, strings.NewReader(string(body))); err != nil {
		log.Error("Failed to store pushed manifest", "repository", req.name, "error", err)
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to store manifest", err.Error())
	}

	forward := func() error {
		_, err := client.PushManifest(c.Request().Context(), res.EffectiveRepository, req.reference, mediaType, body)
		return err
	}
	if e.syncPush {
		if err := forward(); err != nil {
			log.Error("Upstream rejected pushed manifest", "upstream", res.Upstream.Name, "error", err)
			return errUpstream(c, err)
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if _, err := client.PushManifest(ctx, res.EffectiveRepository, req.reference, mediaType, body); err != nil {
				log.Error("Background manifest mirror failed", "upstream", res.Upstream.Name, "error", err)
			}
		}()
	}

	h := c.Response().Header()
	h.Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", req.name, computed))
	h.Set("Docker-Content-Digest", computed.String())
	return c.NoContent(http.StatusCreated)
}

// ==================== Blobs ====================

func (e *Engine) handleBlobGet(c echo.Context, req v2Request) error {
	if !e.access.CanPull(c.Request()) {
		return errDenied(c)
	}

	dgst, err := storage.ValidateDigest(req.reference)
	if err != nil {
		return errDigestInvalid(c, req.reference)
	}

	res, client, routeErr := e.resolve(c, req.name)
	if res == nil {
		return routeErr
	}

	entry, lookupErr := e.cache.GetBlob(res.Scope(), dgst)
	if lookupErr == nil {
		e.cache.RecordHit()
		return e.serveBlob(c, entry)
	}
	if !errors.Is(lookupErr, cache.ErrNotCached) {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "blob lookup failed", lookupErr.Error())
	}

	e.cache.RecordMiss()

	// HEAD on a miss probes the upstream without pulling the blob.
	if c.Request().Method == http.MethodHead {
		size, err := client.HeadBlob(c.Request().Context(), res.EffectiveRepository, dgst)
		if errors.Is(err, upstream.ErrNotFound) {
			return errBlobUnknown(c, dgst.String())
		}
		if err != nil {
			return errUpstream(c, err)
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "application/octet-stream")
		h.Set("Docker-Content-Digest", dgst.String())
		if size >= 0 {
			h.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
		}
		return c.NoContent(http.StatusOK)
	}

	return e.fetchAndServeBlob(c, req, res, client, dgst)
}

// serveBlob streams a cached blob, honoring a single-range request.
func (e *Engine) serveBlob(c echo.Context, entry *db.Entry) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "application/octet-stream")
	h.Set("Docker-Content-Digest", entry.Digest)

	rng, ok := parseRangeHeader(c.Request().Header.Get("Range"), entry.Size)
	if !ok {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
		return writeError(c, http.StatusRequestedRangeNotSatisfiable, CodeSizeInvalid, "requested range not satisfiable", nil)
	}

	if c.Request().Method == http.MethodHead {
		h.Set(echo.HeaderContentLength, strconv.FormatInt(entry.Size, 10))
		e.cache.Touch(entry)
		return c.NoContent(http.StatusOK)
	}

	rc, err := e.cache.Open(c.Request().Context(), entry, rng)
	if errors.Is(err, cache.ErrNotCached) {
		return errBlobUnknown(c, entry.Digest)
	}
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to read cached blob", err.Error())
	}
	defer rc.Close()

	status := http.StatusOK
	length := entry.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.End - rng.Start + 1
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, entry.Size))
	}
	h.Set(echo.HeaderContentLength, strconv.FormatInt(length, 10))

	c.Response().WriteHeader(status)
	_, err = io.Copy(c.Response(), rc)
	return err
}

// lazyBlobWriter defers response commitment until the first body byte,
// so upstream failures that happen before any byte flows can still be
// rendered as proper error envelopes.
type lazyBlobWriter struct {
	c         echo.Context
	dgst      digest.Digest
	size      int64
	committed atomic.Bool
	abandoned atomic.Bool
}

// SetSize records the expected length before the first write.
func (w *lazyBlobWriter) SetSize(size int64) { w.size = size }

func (w *lazyBlobWriter) Write(p []byte) (int, error) {
	if w.abandoned.Load() {
		return 0, errors.New("client abandoned response")
	}
	if w.committed.CompareAndSwap(false, true) {
		h := w.c.Response().Header()
		h.Set(echo.HeaderContentType, "application/octet-stream")
		h.Set("Docker-Content-Digest", w.dgst.String())
		if w.size >= 0 {
			h.Set(echo.HeaderContentLength, strconv.FormatInt(w.size, 10))
		}
		w.c.Response().WriteHeader(http.StatusOK)
	}
	return w.c.Response().Write(p)
}

// fetchAndServeBlob coordinates the singleflight miss path. The leader
// streams bytes to its client while spooling them into the backend;
// followers wait for the commit and then read from the backend. Range
// requests wait for the full fetch and serve the slice from the
// backend.
func (e *Engine) fetchAndServeBlob(c echo.Context, req v2Request, res *upstream.Resolution, client *upstream.Client, dgst digest.Digest) error {
	key := "blob\x00" + res.Scope() + "\x00" + dgst.String()

	var lazy *lazyBlobWriter
	if c.Request().Header.Get("Range") == "" {
		lazy = &lazyBlobWriter{c: c, dgst: dgst, size: -1}
	}

	entry, _, err := e.blobs.Fetch(c.Request().Context(), key, func(fctx context.Context) (*db.Entry, error) {
		var w io.Writer
		if lazy != nil {
			w = lazy
		}
		return e.fetchBlob(fctx, res, client, req.name, dgst, w)
	})

	committed := lazy != nil && lazy.committed.Load()

	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrNotFound):
		return errBlobUnknown(c, dgst.String())
	case errors.Is(err, errDigestMismatch):
		if committed {
			// The stream is already on the wire; abort the connection
			// so the client cannot mistake the payload for verified
			// bytes.
			return fmt.Errorf("aborting blob response: %w", err)
		}
		return errDigestInvalid(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The fetch may continue for other subscribers; it must stop
		// writing to this response.
		if lazy != nil {
			lazy.abandoned.Store(true)
		}
		return err
	default:
		if committed {
			return fmt.Errorf("aborting blob response: %w", err)
		}
		log.Error("Blob fetch failed", "digest", dgst, "error", err)
		return errUpstream(c, err)
	}

	if committed {
		// Bytes already flowed inline with the fetch.
		return nil
	}
	return e.serveBlob(c, entry)
}

// parseRangeHeader parses a single `bytes=a-b` range (b optional,
// meaning EOF). ok=false means the range cannot be satisfied or is
// malformed; a nil range with ok=true means no range was requested.
func parseRangeHeader(header string, size int64) (*storage.Range, bool) {
	if header == "" {
		return nil, true
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return nil, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return nil, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, false
	}
	end := size - 1
	if s := strings.TrimSpace(endStr); s != "" {
		end, err = strconv.ParseInt(s, 10, 64)
		if err != nil || end < start {
			return nil, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &storage.Range{Start: start, End: end}, true
}

// ==================== Uploads ====================

func (e *Engine) handleUploadStart(c echo.Context, req v2Request) error {
	if !e.access.CanPush(c.Request()) {
		return errDenied(c)
	}

	res, _, routeErr := e.resolve(c, req.name)
	if res == nil {
		return routeErr
	}

	// Cross-repository mount: a cached blob is aliased without opening
	// a session.
	if mount := c.QueryParam("mount"); mount != "" {
		if dgst, err := storage.ValidateDigest(mount); err == nil {
			if entry, ok := e.cache.Contains(res.Scope(), dgst); ok && entry.Kind == db.KindBlob {
				if _, err := e.cache.Install(c.Request().Context(), db.NewEntry{
					Kind:       db.KindBlob,
					Scope:      res.Scope(),
					Repository: req.name,
					Digest:     dgst.String(),
					MediaType:  "application/octet-stream",
					Size:       entry.Size,
				}); err != nil {
					log.Warn("Failed to alias mounted blob", "digest", dgst, "error", err)
				} else {
					e.cache.RecordHit()
					c.Response().Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", req.name, dgst))
					c.Response().Header().Set("Docker-Content-Digest", dgst.String())
					return c.NoContent(http.StatusCreated)
				}
			}
		}
		// Mount miss falls through to a regular upload session.
	}

	id, err := e.uploads.Start(c.Request().Context(), res.Scope(), req.name)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to start upload", err.Error())
	}

	h := c.Response().Header()
	h.Set("Location", uploadLocation(req.name, id))
	h.Set("Docker-Upload-UUID", id)
	h.Set("Range", "0-0")
	return c.NoContent(http.StatusAccepted)
}

func uploadLocation(name, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id)
}

// parseContentRange parses the `<start>-<end>` form used by upload
// PATCH requests. A missing header yields -1 (no offset assertion).
func parseContentRange(header string) (int64, error) {
	if header == "" {
		return -1, nil
	}
	spec := strings.TrimPrefix(header, "bytes ")
	spec, _, _ = strings.Cut(spec, "/")
	startStr, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	return start, nil
}

func (e *Engine) handleUploadPatch(c echo.Context, req v2Request) error {
	if !e.access.CanPush(c.Request()) {
		return errDenied(c)
	}

	offset, err := parseContentRange(c.Request().Header.Get("Content-Range"))
	if err != nil {
		return writeError(c, http.StatusRequestedRangeNotSatisfiable, CodeSizeInvalid, err.Error(), nil)
	}

	newSize, err := e.uploads.Append(c.Request().Context(), req.reference, offset, c.Request().Body)
	switch {
	case err == nil:
	case errors.Is(err, ErrUploadUnknown):
		return errUploadUnknown(c, req.reference)
	case errors.Is(err, ErrUploadBusy):
		return writeError(c, http.StatusBadRequest, CodeBlobUploadInvalid, "another chunk is being written to this upload", req.reference)
	case errors.Is(err, ErrOffsetMismatch):
		return writeError(c, http.StatusRequestedRangeNotSatisfiable, CodeBlobUploadInvalid,
			fmt.Sprintf("content range does not match current offset %d", newSize), nil)
	default:
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to append chunk", err.Error())
	}

	h := c.Response().Header()
	h.Set("Location", uploadLocation(req.name, req.reference))
	h.Set("Docker-Upload-UUID", req.reference)
	h.Set("Range", fmt.Sprintf("0-%d", newSize-1))
	return c.NoContent(http.StatusAccepted)
}

func (e *Engine) handleUploadPut(c echo.Context, req v2Request) error {
	if !e.access.CanPush(c.Request()) {
		return errDenied(c)
	}

	claimed, err := storage.ValidateDigest(c.QueryParam("digest"))
	if err != nil {
		return errDigestInvalid(c, c.QueryParam("digest"))
	}

	res, client, routeErr := e.resolve(c, req.name)
	if res == nil {
		return routeErr
	}

	var lastChunk io.Reader
	if c.Request().ContentLength != 0 {
		lastChunk = c.Request().Body
	}

	accumulated, size, err := e.uploads.Commit(c.Request().Context(), req.reference, claimed, lastChunk)
	switch {
	case err == nil:
	case errors.Is(err, ErrUploadUnknown):
		return errUploadUnknown(c, req.reference)
	case errors.Is(err, ErrUploadBusy):
		return writeError(c, http.StatusBadRequest, CodeBlobUploadInvalid, "another chunk is being written to this upload", req.reference)
	case errors.Is(err, ErrUploadDigest):
		return errDigestInvalid(c, map[string]string{"expected": claimed.String(), "actual": accumulated})
	default:
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to finalize upload", err.Error())
	}

	if _, err := e.cache.Install(c.Request().Context(), db.NewEntry{
		Kind:       db.KindBlob,
		Scope:      res.Scope(),
		Repository: req.name,
		Digest:     claimed.String(),
		MediaType:  "application/octet-stream",
		Size:       size,
	}); err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to record uploaded blob", err.Error())
	}

	if e.syncPush {
		if err := e.mirrorBlob(c.Request().Context(), res, client, claimed, size); err != nil {
			log.Error("Upstream rejected pushed blob", "upstream", res.Upstream.Name, "digest", claimed, "error", err)
			return errUpstream(c, err)
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if err := e.mirrorBlob(ctx, res, client, claimed, size); err != nil {
				log.Error("Background blob mirror failed", "upstream", res.Upstream.Name, "digest", claimed, "error", err)
			}
		}()
	}

	h := c.Response().Header()
	h.Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", req.name, claimed))
	h.Set("Docker-Content-Digest", claimed.String())
	return c.NoContent(http.StatusCreated)
}

func (e *Engine) handleUploadStatus(c echo.Context, req v2Request) error {
	size, err := e.uploads.Progress(req.reference)
	if errors.Is(err, ErrUploadUnknown) {
		return errUploadUnknown(c, req.reference)
	}
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to read upload status", err.Error())
	}

	h := c.Response().Header()
	h.Set("Docker-Upload-UUID", req.reference)
	if size == 0 {
		h.Set("Range", "0-0")
	} else {
		h.Set("Range", fmt.Sprintf("0-%d", size-1))
	}
	return c.NoContent(http.StatusNoContent)
}

func (e *Engine) handleUploadCancel(c echo.Context, req v2Request) error {
	if !e.access.CanPush(c.Request()) {
		return errDenied(c)
	}
	if err := e.uploads.Cancel(c.Request().Context(), req.reference); err != nil {
		if errors.Is(err, ErrUploadUnknown) {
			return errUploadUnknown(c, req.reference)
		}
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to cancel upload", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ==================== Tags ====================

type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (e *Engine) handleTagsList(c echo.Context, req v2Request) error {
	if !e.access.CanPull(c.Request()) {
		return errDenied(c)
	}

	res, _, routeErr := e.resolve(c, req.name)
	if res == nil {
		return routeErr
	}

	n := 0
	if raw := c.QueryParam("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return writeError(c, http.StatusBadRequest, CodeUnsupported, "invalid page size", raw)
		}
		n = parsed
	}

	tags, err := e.cache.Index().ListTags(res.Scope(), req.name, n, c.QueryParam("last"))
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnknown, "failed to list tags", err.Error())
	}
	if tags == nil {
		tags = []string{}
	}
	return c.JSON(http.StatusOK, tagsResponse{Name: req.name, Tags: tags})
}
