package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Fetcher makes a package's bottle available in the blob store.
//
//go:generate mockgen -source=fetcher.go -destination=mocks/mock_fetcher.go -package=mocks
type Fetcher interface {
	// Fetch downloads and verifies the bottle of pkg unless the store already
	// has it, and returns its store key.
	Fetch(ctx context.Context, pkg *domain.Package) (domain.Digest, error)
	// FetchSource downloads and verifies the source archive of a package and
	// returns the path of the cached archive.
	FetchSource(ctx context.Context, src *domain.Source) (string, error)
}
