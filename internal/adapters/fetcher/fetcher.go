// Package fetcher downloads bottles, verifies them and hands them to the blob store.
package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.trai.ch/zb/internal/build"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	dialTimeout           = 30 * time.Second
	responseHeaderTimeout = 60 * time.Second
)

// Fetcher implements ports.Fetcher.
type Fetcher struct {
	store  ports.BlobStore
	locker ports.Locker
	layout domain.Layout

	httpClient *http.Client
	sem        *semaphore.Weighted
	retries    int
	mirrors    []string
	newBackOff func() backoff.BackOff

	group  singleflight.Group
	tokens *tokenCache
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithConcurrency bounds the number of simultaneous downloads.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) { f.sem = semaphore.NewWeighted(int64(max(n, 1))) }
}

// WithRetries sets how many times a failed download is retried.
func WithRetries(n int) Option {
	return func(f *Fetcher) { f.retries = max(n, 0) }
}

// WithMirrors adds base URLs tried after the primary URL.
func WithMirrors(mirrors []string) Option {
	return func(f *Fetcher) { f.mirrors = mirrors }
}

// WithBackOff replaces the delay policy between retries. Retry counts are
// applied on top of it.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Fetcher) { f.newBackOff = newBackOff }
}

// New creates a Fetcher that keeps verified archives under the layout's blob cache.
func New(store ports.BlobStore, locker ports.Locker, layout domain.Layout, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:  store,
		locker: locker,
		layout: layout,
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
			ResponseHeaderTimeout: responseHeaderTimeout,
			MaxIdleConnsPerHost:   domain.DefaultConcurrency,
			ForceAttemptHTTP2:     true,
		}},
		sem:     semaphore.NewWeighted(domain.DefaultConcurrency),
		retries: domain.DefaultRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		tokens: newTokenCache(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch makes the bottle of pkg available in the store and returns its key.
func (f *Fetcher) Fetch(ctx context.Context, pkg *domain.Package) (domain.Digest, error) {
	if pkg.Bottle == nil {
		return "", zerr.With(zerr.Wrap(domain.ErrNoCompatibleBottle, "package has no bottle for this platform"), "package", pkg.Name)
	}
	key := pkg.Bottle.Digest
	if f.store.Exists(key) {
		return key, nil
	}

	_, err, _ := f.group.Do(key.String(), func() (any, error) {
		return nil, f.fetch(ctx, pkg.Bottle)
	})
	if err != nil {
		return "", zerr.With(err, "package", pkg.Name)
	}
	return key, nil
}

// FetchSource downloads the source archive of src into the blob cache,
// verifies it against src.Checksum and returns its path.
func (f *Fetcher) FetchSource(ctx context.Context, src *domain.Source) (string, error) {
	if src == nil || src.URL == "" {
		return "", zerr.Wrap(domain.ErrSourceBuildUnavailable, "package has no source archive")
	}
	digest, err := domain.ParseDigest(src.Checksum)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "source checksum is not a sha256 digest"), "url", src.URL)
	}

	blob, err, _ := f.group.Do("source:"+digest.String(), func() (any, error) {
		return f.cachedBlob(ctx, []string{src.URL}, digest)
	})
	if err != nil {
		return "", err
	}
	return blob.(string), nil
}

func (f *Fetcher) fetch(ctx context.Context, bottle *domain.Bottle) error {
	key := bottle.Digest
	for attempt := 0; ; attempt++ {
		blob, err := f.cachedBlob(ctx, f.candidates(bottle.URL), key)
		if err != nil {
			return err
		}

		err = f.storeBlob(ctx, key, blob)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= f.retries ||
			errors.Is(err, domain.ErrUnsafeArchivePath) || errors.Is(err, domain.ErrUnsupportedArchive) {
			return err
		}
		// The cached archive failed re-verification; fetch it again.
		_ = os.Remove(blob)
	}
}

// storeBlob writes the cached archive at blob into the store under the key lock.
func (f *Fetcher) storeBlob(ctx context.Context, key domain.Digest, blob string) error {
	unlock, err := f.locker.Acquire(ctx, domain.LockRequest{Root: domain.LockShared, Keys: []domain.Digest{key}})
	if err != nil {
		return err
	}
	defer unlock()

	if f.store.Exists(key) {
		return nil
	}

	//nolint:gosec // blob is inside the blob cache and named by digest
	file, err := os.Open(blob)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open cached archive"), "path", blob)
	}
	defer func() { _ = file.Close() }()

	_, err = f.store.Write(ctx, file, key)
	return err
}

// cachedBlob returns the path of a verified archive with the given digest,
// downloading it from the first of urls that serves it if the blob cache
// does not have it.
func (f *Fetcher) cachedBlob(ctx context.Context, urls []string, digest domain.Digest) (string, error) {
	blob := filepath.Join(f.layout.BlobCacheDir(), digest.String())
	if info, err := os.Stat(blob); err == nil && info.Mode().IsRegular() {
		return blob, nil
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer f.sem.Release(1)

	for _, dir := range []string{f.layout.BlobCacheDir(), f.layout.DownloadDir()} {
		if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
			return "", zerr.With(zerr.Wrap(err, "failed to create cache directory"), "path", dir)
		}
	}

	var lastErr error
	for _, u := range urls {
		err := f.downloadWithRetry(ctx, u, digest, blob)
		if err == nil {
			return blob, nil
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrDigestMismatch) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// candidates returns the primary URL followed by its mirror equivalents.
func (f *Fetcher) candidates(primary string) []string {
	out := []string{primary}
	u, err := url.Parse(primary)
	if err != nil {
		return out
	}
	for _, m := range f.mirrors {
		alt := strings.TrimSuffix(m, "/") + u.EscapedPath()
		if u.RawQuery != "" {
			alt += "?" + u.RawQuery
		}
		if alt != primary {
			out = append(out, alt)
		}
	}
	return out
}

func (f *Fetcher) downloadWithRetry(ctx context.Context, rawURL string, expected domain.Digest, dest string) error {
	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.retries)), ctx)
	err := backoff.Retry(func() error {
		return f.download(ctx, rawURL, expected, dest)
	}, b)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// download performs one attempt. Errors worth retrying are returned as is;
// the rest are wrapped with backoff.Permanent.
func (f *Fetcher) download(ctx context.Context, rawURL string, expected domain.Digest, dest string) error {
	scope := scopeForURL(rawURL)
	token, _ := f.tokens.get(scope)

	resp, err := f.get(ctx, rawURL, token)
	if err != nil {
		return downloadError(err.Error(), rawURL)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		ch, ok := parseChallenge(resp.Header.Get("WWW-Authenticate"))
		_ = resp.Body.Close()
		if !ok {
			return backoff.Permanent(downloadError("unauthorized and no bearer challenge", rawURL))
		}
		if ch.scope == "" {
			ch.scope = scope
		}
		f.tokens.drop(ch.scope)
		token, err = f.fetchToken(ctx, ch)
		if err != nil {
			return downloadError(err.Error(), rawURL)
		}
		resp, err = f.get(ctx, rawURL, token)
		if err != nil {
			return downloadError(err.Error(), rawURL)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			return backoff.Permanent(downloadError("token was rejected", rawURL))
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return downloadError("server returned "+strconv.Itoa(resp.StatusCode), rawURL)
	default:
		return backoff.Permanent(downloadError("server returned "+strconv.Itoa(resp.StatusCode), rawURL))
	}

	return f.receive(resp.Body, rawURL, expected, dest)
}

// receive streams body into the download directory, verifies it and moves it to dest.
func (f *Fetcher) receive(body io.Reader, rawURL string, expected domain.Digest, dest string) error {
	tmp, err := os.CreateTemp(f.layout.DownloadDir(), expected.Short()+"-*.part")
	if err != nil {
		return backoff.Permanent(zerr.Wrap(err, "failed to create download file"))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := domain.NewHasher()
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return downloadError(copyErr.Error(), rawURL)
	}
	if closeErr != nil {
		return backoff.Permanent(zerr.Wrap(closeErr, "failed to write download file"))
	}

	if actual := domain.DigestOf(h); actual != expected {
		err := zerr.Wrap(domain.ErrDigestMismatch, "downloaded archive does not match its digest")
		err = zerr.With(zerr.With(err, "expected", expected.String()), "actual", actual.String())
		return backoff.Permanent(zerr.With(err, "url", rawURL))
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return backoff.Permanent(zerr.With(zerr.Wrap(err, "failed to move download into cache"), "path", dest))
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, rawURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "zb/"+build.Version)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return f.httpClient.Do(req)
}

func downloadError(msg, rawURL string) error {
	return zerr.With(zerr.Wrap(domain.ErrDownloadFailed, msg), "url", rawURL)
}
