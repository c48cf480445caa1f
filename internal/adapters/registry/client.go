// Package registry implements the package descriptor lookup against the
// formula JSON API.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.trai.ch/zb/internal/build"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

const (
	httpClientTimeout = 30 * time.Second
	maxBodySize       = 16 << 20
)

// Client implements ports.Registry. Descriptors are cached in memory for the
// lifetime of the client and revalidated with the API cache across runs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *Cache
	tags       []string
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	packages map[string]*domain.Package
	group    singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithCache enables conditional requests backed by cache.
func WithCache(cache *Cache) Option {
	return func(cl *Client) { cl.cache = cache }
}

// WithBottleTags overrides the host bottle tags, most preferred first.
func WithBottleTags(tags []string) Option {
	return func(cl *Client) { cl.tags = tags }
}

// WithBackOff sets the retry policy for transient failures.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackOff = f }
}

// New creates a Client for the API at baseURL that retries transient
// failures up to retries times.
func New(baseURL string, retries int, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: httpClientTimeout},
		tags:       domain.HostBottleTags(),
		packages:   make(map[string]*domain.Package),
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = time.Minute
		return backoff.WithMaxRetries(b, uint64(max(retries, 0)))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the API cache, if any.
func (c *Client) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// Package returns the descriptor of name for this platform.
func (c *Client) Package(ctx context.Context, name string) (*domain.Package, error) {
	name, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	pkg, ok := c.packages[name]
	c.mu.Unlock()
	if ok {
		return pkg, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		pkg, err := c.lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.packages[name] = pkg
		c.mu.Unlock()
		return pkg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Package), nil
}

func (c *Client) lookup(ctx context.Context, name string) (*domain.Package, error) {
	url := c.baseURL + "/" + name + ".json"

	var cached *CacheEntry
	if c.cache != nil {
		// A broken cache only costs a full download.
		cached, _ = c.cache.Get(ctx, url)
	}

	var body []byte
	op := func() error {
		b, err := c.get(ctx, url, name, cached)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cached != nil && errors.Is(err, domain.ErrRegistryUnavailable) {
			// Serve the last known descriptor when the API is unreachable.
			body = cached.Body
		} else {
			return nil, err
		}
	}

	var dto formulaDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, "malformed package descriptor"), "package", name)
	}
	if dto.Versions.Stable == "" {
		return nil, zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, "package descriptor has no stable version"), "package", name)
	}
	pkg, err := dto.toPackage(name, c.tags)
	if err != nil {
		return nil, zerr.With(err, "package", name)
	}
	return pkg, nil
}

// get performs one conditional request and returns the descriptor body.
// Errors that retrying cannot fix are marked permanent.
func (c *Client) get(ctx context.Context, url, name string, cached *CacheEntry) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, err.Error()), "url", url))
	}
	req.Header.Set("User-Agent", "zb/"+build.Version)
	req.Header.Set("Accept", "application/json")
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, err.Error()), "url", url)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return cached.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(zerr.With(zerr.Wrap(domain.ErrPackageNotFound, "no such package"), "package", name))
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, "registry returned "+strconv.Itoa(resp.StatusCode)), "url", url)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, "registry returned "+strconv.Itoa(resp.StatusCode)), "url", url))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, err.Error()), "url", url)
	}
	if len(body) > maxBodySize {
		return nil, backoff.Permanent(zerr.With(zerr.With(zerr.Wrap(domain.ErrRegistryUnavailable, "package descriptor too large"), "url", url), "limit", maxBodySize))
	}

	if c.cache != nil {
		_ = c.cache.Put(ctx, url, &CacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
		})
	}
	return body, nil
}
