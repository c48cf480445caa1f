package ports

import (
	"context"
	"io"

	"go.trai.ch/zb/internal/core/domain"
)

// BlobStore is the content addressable store of unpacked archives.
// Entries are write-once: an existing entry is never modified.
//
//go:generate mockgen -source=blobstore.go -destination=mocks/mock_blobstore.go -package=mocks
type BlobStore interface {
	// Write verifies that r hashes to expected and unpacks it as a new entry.
	// Writing an existing key is a no-op.
	Write(ctx context.Context, r io.Reader, expected domain.Digest) (domain.Digest, error)
	// Import packs a directory and stores it under the digest of the packed form.
	Import(ctx context.Context, dir string) (domain.Digest, error)
	// Get returns the entry for key.
	Get(key domain.Digest) (domain.StoreEntry, error)
	// Exists reports whether key has an entry.
	Exists(key domain.Digest) bool
	// Remove deletes the entry for key.
	Remove(key domain.Digest) error
	// List returns every key in the store.
	List() ([]domain.Digest, error)
}
