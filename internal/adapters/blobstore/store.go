// Package blobstore implements the content addressable store of unpacked archives.
package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.trai.ch/zb/internal/adapters/archive"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

// tmpPattern names staging directories. They never parse as digests, so
// List skips them.
const tmpPattern = ".tmp-*"

// Store implements ports.BlobStore. Each entry is a directory named by the
// sha256 of the archive it was unpacked from.
type Store struct {
	dir string

	once   sync.Once
	dirErr error
}

// New creates a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(key domain.Digest) string {
	return filepath.Join(s.dir, key.String())
}

func (s *Store) ensureDir() error {
	s.once.Do(func() {
		s.dirErr = os.MkdirAll(s.dir, domain.DirPerm)
	})
	if s.dirErr != nil {
		return zerr.With(zerr.Wrap(s.dirErr, "failed to create store directory"), "path", s.dir)
	}
	return nil
}

// Write hashes r while spooling it to a staging directory, verifies the
// digest against expected (unless expected is zero), unpacks it, and renames
// the result into place. The returned key is the digest of the bytes read.
func (s *Store) Write(ctx context.Context, r io.Reader, expected domain.Digest) (domain.Digest, error) {
	if !expected.IsZero() && s.Exists(expected) {
		return expected, nil
	}
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp(s.dir, tmpPattern)
	if err != nil {
		return "", zerr.Wrap(err, "failed to create staging directory")
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	spool, key, err := spoolAndHash(ctx, r, filepath.Join(tmp, "archive"))
	if err != nil {
		return "", err
	}
	defer func() { _ = spool.Close() }()

	if !expected.IsZero() && key != expected {
		err := zerr.Wrap(domain.ErrDigestMismatch, "content does not match its digest")
		return "", zerr.With(zerr.With(err, "expected", expected.String()), "actual", key.String())
	}
	if s.Exists(key) {
		return key, nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", zerr.Wrap(err, "failed to rewind spooled archive")
	}
	content := filepath.Join(tmp, "content")
	if err := os.Mkdir(content, domain.DirPerm); err != nil {
		return "", zerr.Wrap(err, "failed to create staging directory")
	}
	if err := archive.Extract(ctx, spool, content); err != nil {
		return "", zerr.With(err, "digest", key.String())
	}

	if err := os.Rename(content, s.path(key)); err != nil {
		// Another writer finished the same key first.
		if s.Exists(key) {
			return key, nil
		}
		return "", zerr.With(zerr.Wrap(err, "failed to commit store entry"), "digest", key.String())
	}
	return key, nil
}

func spoolAndHash(ctx context.Context, r io.Reader, path string) (*os.File, domain.Digest, error) {
	//nolint:gosec // path is inside our own staging directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, domain.PrivateFilePerm)
	if err != nil {
		return nil, "", zerr.Wrap(err, "failed to create spool file")
	}
	h := domain.NewHasher()
	if _, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", zerr.Wrap(err, "failed to read archive")
	}
	return f, domain.DigestOf(h), nil
}

// Import packs dir deterministically and stores the packed form.
func (s *Store) Import(ctx context.Context, dir string) (domain.Digest, error) {
	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(archive.Pack(ctx, pw, dir))
	}()

	key, err := s.Write(ctx, pr, "")
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to import directory"), "path", dir)
	}
	return key, nil
}

// Get returns the entry stored under key.
func (s *Store) Get(key domain.Digest) (domain.StoreEntry, error) {
	p := s.path(key)
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return domain.StoreEntry{}, zerr.With(zerr.Wrap(domain.ErrStoreEntryNotFound, "no entry for key"), "digest", key.String())
	}
	return domain.StoreEntry{Key: key, Path: p}, nil
}

// Exists reports whether key has an entry.
func (s *Store) Exists(key domain.Digest) bool {
	if key.IsZero() {
		return false
	}
	info, err := os.Stat(s.path(key))
	return err == nil && info.IsDir()
}

// Remove deletes the entry stored under key. Removing a missing key is not an error.
func (s *Store) Remove(key domain.Digest) error {
	if key.IsZero() {
		return nil
	}
	if err := os.RemoveAll(s.path(key)); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove store entry"), "digest", key.String())
	}
	return nil
}

// List returns every key in the store in sorted order.
func (s *Store) List() ([]domain.Digest, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to list store"), "path", s.dir)
	}

	var keys []domain.Digest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key, err := domain.ParseDigest(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
