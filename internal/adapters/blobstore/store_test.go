package blobstore_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/adapters/blobstore"
	"go.trai.ch/zb/internal/core/domain"
)

func bottle(t *testing.T, files map[string]string) ([]byte, domain.Digest) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range []string{"pkg/1.0/bin/tool", "pkg/1.0/README"} {
		body, ok := files[name]
		if !ok {
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	h := domain.NewHasher()
	_, _ = h.Write(buf.Bytes())
	return buf.Bytes(), domain.DigestOf(h)
}

func newTestStore(t *testing.T) (*blobstore.Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	return blobstore.New(dir), dir
}

func TestStore_WriteAndGet(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/bin/tool": "tool v1"})

	key, err := s.Write(ctx, bytes.NewReader(data), digest)
	require.NoError(t, err)
	assert.Equal(t, digest, key)
	assert.True(t, s.Exists(key))

	entry, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, digest.String()), entry.Path)

	got, err := os.ReadFile(filepath.Join(entry.Path, "pkg", "1.0", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "tool v1", string(got))
}

func TestStore_WriteTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/bin/tool": "tool v1"})

	_, err := s.Write(ctx, bytes.NewReader(data), digest)
	require.NoError(t, err)
	entry, err := s.Get(digest)
	require.NoError(t, err)
	marker := filepath.Join(entry.Path, "marker")
	require.NoError(t, os.WriteFile(marker, nil, domain.FilePerm))

	key, err := s.Write(ctx, bytes.NewReader(data), digest)
	require.NoError(t, err)
	assert.Equal(t, digest, key)
	assert.FileExists(t, marker, "the existing entry is not replaced")

	keys, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []domain.Digest{digest}, keys)
}

func TestStore_WriteDigestMismatch(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t)
	data, _ := bottle(t, map[string]string{"pkg/1.0/bin/tool": "tool v1"})
	_, other := bottle(t, map[string]string{"pkg/1.0/bin/tool": "tool v2"})

	_, err := s.Write(ctx, bytes.NewReader(data), other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDigestMismatch))
	assert.False(t, s.Exists(other))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directories are cleaned up")
}

func TestStore_ConcurrentWritesOfSameContent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/bin/tool": "shared"})

	var wg sync.WaitGroup
	keys := make([]domain.Digest, 8)
	errs := make([]error, 8)
	for i := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = s.Write(ctx, bytes.NewReader(data), digest)
		}()
	}
	wg.Wait()

	for i := range keys {
		require.NoError(t, errs[i])
		assert.Equal(t, digest, keys[i])
	}
	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []domain.Digest{digest}, list)
}

func TestStore_WriteWithoutExpectedDigest(t *testing.T) {
	s, _ := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/README": "hi"})

	key, err := s.Write(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)
	assert.Equal(t, digest, key)
}

func TestStore_Import(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), domain.DirPerm))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "hello"), []byte("hello"), 0o755))

	first, err := s.Import(ctx, src)
	require.NoError(t, err)
	second, err := s.Import(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, first, second, "importing the same tree gives the same key")

	entry, err := s.Get(first)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(entry.Path, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "hello"), []byte("changed"), 0o755))
	third, err := s.Import(ctx, src)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestStore_GetMissingAndRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/bin/tool": "x"})

	_, err := s.Get(digest)
	assert.True(t, errors.Is(err, domain.ErrStoreEntryNotFound))

	_, err = s.Write(ctx, bytes.NewReader(data), digest)
	require.NoError(t, err)
	require.NoError(t, s.Remove(digest))
	assert.False(t, s.Exists(digest))
	require.NoError(t, s.Remove(digest), "removing a missing entry is fine")
}

func TestStore_ListSkipsForeignEntries(t *testing.T) {
	s, dir := newTestStore(t)

	keys, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, keys, "a missing store directory lists nothing")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".tmp-123"), domain.DirPerm))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-digest"), domain.DirPerm))

	keys, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_WriteCanceled(t *testing.T) {
	s, _ := newTestStore(t)
	data, digest := bottle(t, map[string]string{"pkg/1.0/bin/tool": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Write(ctx, bytes.NewReader(data), digest)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Exists(digest))
}
