package registry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/adapters/registry"
	"go.trai.ch/zb/internal/core/domain"
)

const (
	linuxDigest = "1111111111111111111111111111111111111111111111111111111111111111"
	allDigest   = "2222222222222222222222222222222222222222222222222222222222222222"
)

const wgetJSON = `{
  "name": "wget",
  "versions": {"stable": "1.24.5"},
  "revision": 1,
  "dependencies": ["libidn2", "openssl@3"],
  "keg_only": false,
  "bottle": {"stable": {"files": {
    "x86_64_linux": {"url": "https://ghcr.io/v2/homebrew/core/wget/blobs/sha256:` + linuxDigest + `", "sha256": "` + linuxDigest + `"},
    "arm64_sonoma": {"url": "https://example.com/sonoma", "sha256": "` + allDigest + `"}
  }}},
  "urls": {"stable": {"url": "https://ftp.gnu.org/gnu/wget/wget-1.24.5.tar.gz", "checksum": "abc"}}
}`

const caJSON = `{
  "name": "ca-certificates",
  "versions": {"stable": "2024-03-11"},
  "dependencies": [],
  "keg_only": "this is a reason",
  "bottle": {"stable": {"files": {"all": {"url": "https://example.com/ca", "sha256": "` + allDigest + `"}}}}
}`

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Package(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wget.json":
			_, _ = w.Write([]byte(wgetJSON))
		case "/ca-certificates.json":
			_, _ = w.Write([]byte(caJSON))
		default:
			http.NotFound(w, r)
		}
	})
	c := registry.New(srv.URL, 2, registry.WithBottleTags([]string{"x86_64_linux", "all"}), registry.WithBackOff(fastBackOff))

	pkg, err := c.Package(context.Background(), "Wget")
	require.NoError(t, err)
	assert.Equal(t, "wget", pkg.Name)
	assert.Equal(t, "1.24.5_1", pkg.Version)
	assert.Equal(t, []string{"libidn2", "openssl@3"}, pkg.Dependencies)
	assert.False(t, pkg.KegOnly)
	require.NotNil(t, pkg.Bottle)
	assert.Equal(t, "x86_64_linux", pkg.Bottle.Tag)
	assert.Equal(t, domain.Digest(linuxDigest), pkg.Bottle.Digest)
	require.NotNil(t, pkg.Source)
	assert.Equal(t, "https://ftp.gnu.org/gnu/wget/wget-1.24.5.tar.gz", pkg.Source.URL)

	ca, err := c.Package(context.Background(), "ca-certificates")
	require.NoError(t, err)
	assert.True(t, ca.KegOnly, "a keg_only reason counts as keg-only")
	require.NotNil(t, ca.Bottle)
	assert.Equal(t, domain.BottleTagAll, ca.Bottle.Tag)
	assert.Nil(t, ca.Source)
}

func TestClient_NoMatchingBottle(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(wgetJSON))
	})
	c := registry.New(srv.URL, 0, registry.WithBottleTags([]string{"plan9", "all"}))

	pkg, err := c.Package(context.Background(), "wget")
	require.NoError(t, err)
	assert.Nil(t, pkg.Bottle)
	assert.NotNil(t, pkg.Source)
}

func TestClient_VersionedNameIsKegOnly(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(wgetJSON, `"name": "wget"`, `"name": "openssl@3"`, 1)))
	})
	c := registry.New(srv.URL, 0)

	pkg, err := c.Package(context.Background(), "openssl@3")
	require.NoError(t, err)
	assert.True(t, pkg.KegOnly)
}

func TestClient_NotFound(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	c := registry.New(srv.URL, 2, registry.WithBackOff(fastBackOff))

	_, err := c.Package(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPackageNotFound))
	assert.True(t, errors.Is(err, domain.ErrResolution))
	assert.Equal(t, int32(1), hits.Load(), "404 is not retried")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(wgetJSON))
	})
	c := registry.New(srv.URL, 2, registry.WithBackOff(fastBackOff))

	pkg, err := c.Package(context.Background(), "wget")
	require.NoError(t, err)
	assert.Equal(t, "1.24.5_1", pkg.Version)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := registry.New(srv.URL, 2, registry.WithBackOff(fastBackOff))

	_, err := c.Package(context.Background(), "wget")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRegistryUnavailable))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_ConditionalRequests(t *testing.T) {
	var full, notModified atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(wgetJSON))
	})

	cachePath := filepath.Join(t.TempDir(), "cache", "api.sqlite3")
	cache := registry.NewCache(cachePath)
	t.Cleanup(func() { _ = cache.Close() })

	first := registry.New(srv.URL, 0, registry.WithCache(cache))
	_, err := first.Package(context.Background(), "wget")
	require.NoError(t, err)

	// A new client has an empty memory cache but shares the API cache.
	second := registry.New(srv.URL, 0, registry.WithCache(cache))
	pkg, err := second.Package(context.Background(), "wget")
	require.NoError(t, err)
	assert.Equal(t, "1.24.5_1", pkg.Version)

	assert.Equal(t, int32(1), full.Load())
	assert.Equal(t, int32(1), notModified.Load())
}

func TestClient_OfflineFallsBackToCache(t *testing.T) {
	cache := registry.NewCache(filepath.Join(t.TempDir(), "api.sqlite3"))
	t.Cleanup(func() { _ = cache.Close() })

	online := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(wgetJSON))
	})
	_, err := registry.New(online.URL, 0, registry.WithCache(cache)).Package(context.Background(), "wget")
	require.NoError(t, err)

	// Move the cached response to the URL of a failing server.
	failing := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	entry, err := cache.Get(context.Background(), online.URL+"/wget.json")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, cache.Put(context.Background(), failing.URL+"/wget.json", entry))

	pkg, err := registry.New(failing.URL, 1, registry.WithCache(cache), registry.WithBackOff(fastBackOff)).
		Package(context.Background(), "wget")
	require.NoError(t, err)
	assert.Equal(t, "1.24.5_1", pkg.Version)
}

func TestClient_DeduplicatesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(wgetJSON))
	})
	c := registry.New(srv.URL, 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Package(context.Background(), "wget")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_InvalidName(t *testing.T) {
	c := registry.New("http://127.0.0.1:0", 0)
	_, err := c.Package(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, domain.ErrInvalidPackageName))
}

func TestClient_MalformedDescriptor(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name": "broken"`))
	})
	_, err := registry.New(srv.URL, 0).Package(context.Background(), "broken")
	assert.True(t, errors.Is(err, domain.ErrRegistryUnavailable))
}

func TestClient_RejectsOversizedDescriptor(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name": "huge", "desc": "`))
		_, _ = w.Write([]byte(strings.Repeat("x", 16<<20)))
		_, _ = w.Write([]byte(`"}`))
	})
	_, err := registry.New(srv.URL, 3, registry.WithBackOff(fastBackOff)).Package(context.Background(), "huge")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRegistryUnavailable))
	assert.Contains(t, err.Error(), "too large")
}

func TestClient_CloseReleasesCache(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(caJSON))
	})
	path := filepath.Join(t.TempDir(), "api.sqlite3")
	c := registry.New(srv.URL, 0, registry.WithCache(registry.NewCache(path)))
	_, err := c.Package(context.Background(), "ca-certificates")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// A fresh cache over the same file sees the stored response.
	cache := registry.NewCache(path)
	t.Cleanup(func() { _ = cache.Close() })
	entry, err := cache.Get(context.Background(), srv.URL+"/ca-certificates.json")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, caJSON, string(entry.Body))

	assert.NoError(t, registry.New(srv.URL, 0).Close())
}
