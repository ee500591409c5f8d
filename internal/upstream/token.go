package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenSafety is subtracted from a token's stated lifetime so we refresh
// before the upstream stops accepting it.
const tokenSafety = 30 * time.Second

// tokenFloor is the minimum lifetime assumed for tokens that report a
// shorter (or no) expiry, per the distribution token spec.
const tokenFloor = 60 * time.Second

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	scheme  string // "bearer" or "basic"
	realm   string
	service string
	scope   string
}

// parseChallenge parses a WWW-Authenticate value such as
// `Bearer realm="https://auth.example.com/token",service="registry",scope="repository:library/nginx:pull"`.
func parseChallenge(header string) (*challenge, bool) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	c := &challenge{scheme: strings.ToLower(scheme)}
	switch c.scheme {
	case "basic":
		return c, true
	case "bearer":
	default:
		return nil, false
	}

	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			c.realm = value
		case "service":
			c.service = value
		case "scope":
			c.scope = value
		}
	}
	if c.realm == "" {
		return nil, false
	}
	return c, true
}

// tokenResponse is the token endpoint's payload. `access_token` is an
// accepted alias for `token`.
type tokenResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

type cachedToken struct {
	value     string
	service   string
	expiresAt time.Time
}

// tokenCache caches bearer tokens per scope within one upstream's
// client and collapses concurrent refreshes for the same scope. A
// request path knows its scope before it knows the service, so the
// service is kept as an attribute of the cached token and is not part
// of the key.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(scope string) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	tok, ok := tc.tokens[scope]
	if !ok || time.Now().After(tok.expiresAt) {
		return "", false
	}
	return tok.value, true
}

// fetch obtains a token for the challenge, going to the realm at most
// once per key regardless of how many requests need it concurrently.
func (tc *tokenCache) fetch(ctx context.Context, httpc *http.Client, ch *challenge, username, password string) (string, error) {
	key := ch.scope
	if tok, ok := tc.get(key); ok {
		return tok, nil
	}

	value, err, _ := tc.group.Do(key, func() (interface{}, error) {
		if tok, ok := tc.get(key); ok {
			return tok, nil
		}

		tokenURL, err := url.Parse(ch.realm)
		if err != nil {
			return nil, fmt.Errorf("invalid token realm %q: %w", ch.realm, err)
		}
		q := tokenURL.Query()
		if ch.service != "" {
			q.Set("service", ch.service)
		}
		if ch.scope != "" {
			q.Set("scope", ch.scope)
		}
		tokenURL.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
		if err != nil {
			return nil, err
		}
		if username != "" {
			req.SetBasicAuth(username, password)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("failed to decode token response: %w", err)
		}
		token := tr.Token
		if token == "" {
			token = tr.AccessToken
		}
		if token == "" {
			return nil, fmt.Errorf("token endpoint returned no token")
		}

		lifetime := time.Duration(tr.ExpiresIn) * time.Second
		if lifetime < tokenFloor {
			lifetime = tokenFloor
		}
		issued := tr.IssuedAt
		if issued.IsZero() {
			issued = time.Now()
		}
		expires := issued.Add(lifetime - tokenSafety)

		tc.mu.Lock()
		tc.tokens[key] = cachedToken{value: token, service: ch.service, expiresAt: expires}
		tc.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// invalidate drops a cached token after the upstream rejects it.
func (tc *tokenCache) invalidate(scope string) {
	tc.mu.Lock()
	delete(tc.tokens, scope)
	tc.mu.Unlock()
}
