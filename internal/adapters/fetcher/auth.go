package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.trai.ch/zerr"
)

// tokenTTL is shorter than the registry's token lifetime.
const tokenTTL = 4 * time.Minute

type cachedToken struct {
	value   string
	expires time.Time
}

// tokenCache holds anonymous bearer tokens per repository scope.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
	now    func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken), now: time.Now}
}

func (c *tokenCache) get(scope string) (string, bool) {
	if scope == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[scope]
	if !ok || !c.now().Before(t.expires) {
		return "", false
	}
	return t.value, true
}

func (c *tokenCache) drop(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, scope)
}

func (c *tokenCache) put(scope, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[scope] = cachedToken{value: token, expires: c.now().Add(tokenTTL)}
}

// challenge is a parsed "WWW-Authenticate: Bearer" header.
type challenge struct {
	realm   string
	service string
	scope   string
}

func parseChallenge(header string) (challenge, bool) {
	rest, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return challenge{}, false
	}
	var ch challenge
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "realm":
			ch.realm = value
		case "service":
			ch.service = value
		case "scope":
			ch.scope = value
		}
	}
	return ch, ch.realm != ""
}

// scopeForURL derives the registry scope of an OCI blob URL, as in
// "/v2/homebrew/core/wget/blobs/sha256:..." -> "repository:homebrew/core/wget:pull".
func scopeForURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	rest, ok := strings.CutPrefix(u.Path, "/v2/")
	if !ok {
		return ""
	}
	repo, _, ok := strings.Cut(rest, "/blobs/")
	if !ok || repo == "" {
		return ""
	}
	return "repository:" + repo + ":pull"
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// fetchToken requests an anonymous token for ch, using the cache first.
func (f *Fetcher) fetchToken(ctx context.Context, ch challenge) (string, error) {
	if token, ok := f.tokens.get(ch.scope); ok {
		return token, nil
	}

	u, err := url.Parse(ch.realm)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "invalid token realm"), "realm", ch.realm)
	}
	q := u.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", zerr.Wrap(err, "failed to build token request")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", zerr.Wrap(err, "token request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", zerr.With(zerr.New("token request was refused"), "status", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return "", zerr.Wrap(err, "malformed token response")
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", zerr.New("token response has no token")
	}

	f.tokens.put(ch.scope, token)
	return token, nil
}
