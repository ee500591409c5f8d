package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrNotFound is returned when the upstream answers 404.
var ErrNotFound = errors.New("upstream: not found")

// ErrUnauthorized is returned when the upstream rejects our credentials.
var ErrUnauthorized = errors.New("upstream: unauthorized")

// StatusError carries a non-success upstream status that is not one of
// the sentinel conditions.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

const (
	connectTimeout        = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second

	retryAttempts = 3
	retryBase     = 200 * time.Millisecond
	retryCap      = 2 * time.Second
)

// Docker scheme-2 media types; the OCI ones come from image-spec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// acceptedManifestTypes is the Accept list used when the client request
// carries none of its own.
var acceptedManifestTypes = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
}, ", ")

// Client talks the distribution protocol to one upstream registry over
// a pooled HTTP client.
type Client struct {
	upstream *Upstream
	httpc    *http.Client
	tokens   *tokenCache
	health   *healthState
}

// NewClient builds the pooled client for an upstream.
func NewClient(u *Upstream) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   connectTimeout,
	}
	if u.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		upstream: u,
		httpc:    &http.Client{Transport: transport},
		tokens:   newTokenCache(),
		health:   newHealthState(),
	}
}

// Upstream returns the upstream this client serves.
func (c *Client) Upstream() *Upstream { return c.upstream }

// Health returns the current health snapshot.
func (c *Client) Health() Health { return c.health.Snapshot() }

func (c *Client) endpoint(parts ...string) string {
	return strings.TrimSuffix(c.upstream.URL, "/") + "/v2/" + strings.Join(parts, "/")
}

// pullScope builds the token scope for read access to a repository.
func pullScope(repository string) string {
	return "repository:" + repository + ":pull"
}

// pushScope builds the token scope for write access to a repository.
func pushScope(repository string) string {
	return "repository:" + repository + ":pull,push"
}

// do issues one request, resolving a 401 challenge into a bearer token
// (or basic credentials) and retrying the request once. The caller owns
// the response body.
func (c *Client) do(ctx context.Context, req *http.Request, scope string, rewind func() (io.ReadCloser, error)) (*http.Response, error) {
	// A previously fetched token for this scope short-circuits the
	// challenge round trip.
	if tok, ok := c.tokens.get(scope); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	ch, ok := parseChallenge(header)
	if !ok {
		return nil, ErrUnauthorized
	}

	retry := req.Clone(ctx)
	if rewind != nil {
		body, err := rewind()
		if err != nil {
			return nil, fmt.Errorf("cannot replay request body after auth challenge: %w", err)
		}
		retry.Body = body
	}

	switch ch.scheme {
	case "basic":
		if c.upstream.Username == "" {
			return nil, ErrUnauthorized
		}
		retry.SetBasicAuth(c.upstream.Username, c.upstream.Password)
	case "bearer":
		if ch.scope == "" {
			ch.scope = scope
		}
		tok, err := c.tokens.fetch(ctx, c.httpc, ch, c.upstream.Username, c.upstream.Password)
		if err != nil {
			return nil, fmt.Errorf("token auth against %s failed: %w", c.upstream.Name, err)
		}
		retry.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err = c.httpc.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.invalidate(ch.scope)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// retryable reports whether an outcome should be retried on a read
// request: connection-level errors and upstream 5xx.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded) &&
			!errors.Is(err, ErrUnauthorized)
	}
	return resp.StatusCode >= 500
}

// backoff returns the full-jitter delay for the given attempt.
func backoff(attempt int) time.Duration {
	limit := retryBase << attempt
	if limit > retryCap {
		limit = retryCap
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// doRead issues a GET/HEAD with transient-failure retries and records
// the outcome in the upstream's health state.
func (c *Client) doRead(ctx context.Context, method, rawURL, scope string, header http.Header) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vals := range header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err = c.do(ctx, req, scope, nil)
		if !retryable(resp, err) || attempt >= retryAttempts {
			break
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		delay := backoff(attempt)
		log.Debug("Retrying upstream read", "upstream", c.upstream.Name,
			"url", rawURL, "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		c.health.recordFailure(err)
		return nil, err
	}
	if resp.StatusCode >= 500 {
		body := readShortBody(resp)
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: body}
		c.health.recordFailure(statusErr)
		return nil, statusErr
	}

	c.health.recordSuccess()
	return resp, nil
}

func readShortBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return string(b)
}

// RemoteObject is a streamed manifest or blob from the upstream.
type RemoteObject struct {
	Body      io.ReadCloser
	MediaType string
	Digest    string
	Size      int64
}

// GetManifest fetches a manifest, forwarding the client's Accept header
// verbatim when present.
func (c *Client) GetManifest(ctx context.Context, repository, reference, accept string) (*RemoteObject, error) {
	if accept == "" {
		accept = acceptedManifestTypes
	}
	header := http.Header{"Accept": []string{accept}}

	resp, err := c.doRead(ctx, http.MethodGet, c.endpoint(repository, "manifests", reference), pullScope(repository), header)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readShortBody(resp)}
	}

	size := resp.ContentLength
	return &RemoteObject{
		Body:      resp.Body,
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    resp.Header.Get("Docker-Content-Digest"),
		Size:      size,
	}, nil
}

// HeadManifest checks manifest existence and returns its descriptor
// headers.
func (c *Client) HeadManifest(ctx context.Context, repository, reference, accept string) (*RemoteObject, error) {
	if accept == "" {
		accept = acceptedManifestTypes
	}
	header := http.Header{"Accept": []string{accept}}

	resp, err := c.doRead(ctx, http.MethodHead, c.endpoint(repository, "manifests", reference), pullScope(repository), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &RemoteObject{
			MediaType: resp.Header.Get("Content-Type"),
			Digest:    resp.Header.Get("Docker-Content-Digest"),
			Size:      resp.ContentLength,
		}, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
}

// GetBlob opens a streamed blob read.
func (c *Client) GetBlob(ctx context.Context, repository string, dgst digest.Digest) (*RemoteObject, error) {
	resp, err := c.doRead(ctx, http.MethodGet, c.endpoint(repository, "blobs", dgst.String()), pullScope(repository), nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readShortBody(resp)}
	}

	return &RemoteObject{
		Body:      resp.Body,
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    dgst.String(),
		Size:      resp.ContentLength,
	}, nil
}

// HeadBlob checks blob existence and returns its size.
func (c *Client) HeadBlob(ctx context.Context, repository string, dgst digest.Digest) (int64, error) {
	resp, err := c.doRead(ctx, http.MethodHead, c.endpoint(repository, "blobs", dgst.String()), pullScope(repository), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.ContentLength, nil
	case http.StatusNotFound:
		return 0, ErrNotFound
	default:
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}
}

// PushManifest forwards a manifest put. Mutations are never retried.
func (c *Client) PushManifest(ctx context.Context, repository, reference, mediaType string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint(repository, "manifests", reference), strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(body))

	rewind := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(string(body))), nil
	}

	resp, err := c.do(ctx, req, pushScope(repository), rewind)
	if err != nil {
		c.health.recordFailure(err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: readShortBody(resp)}
		c.health.recordFailure(statusErr)
		return "", statusErr
	}

	c.health.recordSuccess()
	return resp.Header.Get("Docker-Content-Digest"), nil
}

// PushBlob forwards a blob using the two-step upload flow: POST to open
// an upload, then a monolithic PUT with the digest.
func (c *Client) PushBlob(ctx context.Context, repository string, dgst digest.Digest, size int64, open func() (io.ReadCloser, error)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(repository, "blobs", "uploads")+"/", nil)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, req, pushScope(repository), nil)
	if err != nil {
		c.health.recordFailure(err)
		return err
	}
	location := resp.Header.Get("Location")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		c.health.recordFailure(statusErr)
		return statusErr
	}
	if location == "" {
		err := fmt.Errorf("upstream %s returned no upload location", c.upstream.Name)
		c.health.recordFailure(err)
		return err
	}

	uploadURL, err := c.resolveLocation(location)
	if err != nil {
		return err
	}
	q := uploadURL.Query()
	q.Set("digest", dgst.String())
	uploadURL.RawQuery = q.Encode()

	body, err := open()
	if err != nil {
		return err
	}
	put, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL.String(), body)
	if err != nil {
		body.Close()
		return err
	}
	put.Header.Set("Content-Type", "application/octet-stream")
	put.ContentLength = size

	rewind := func() (io.ReadCloser, error) { return open() }
	resp, err = c.do(ctx, put, pushScope(repository), rewind)
	if err != nil {
		c.health.recordFailure(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: readShortBody(resp)}
		c.health.recordFailure(statusErr)
		return statusErr
	}

	c.health.recordSuccess()
	return nil
}

// resolveLocation resolves a possibly relative upload Location header
// against the upstream base URL.
func (c *Client) resolveLocation(location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid upload location %q: %w", location, err)
	}
	if loc.IsAbs() {
		return loc, nil
	}
	base, err := url.Parse(c.upstream.URL)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(loc), nil
}

// Ping probes the upstream's version endpoint and records the outcome.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRead(ctx, http.MethodGet, c.endpoint(), "", nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
