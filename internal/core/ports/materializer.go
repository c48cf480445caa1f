package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Materializer turns store entries into cellar entries.
//
//go:generate mockgen -source=materializer.go -destination=mocks/mock_materializer.go -package=mocks
type Materializer interface {
	// Materialize builds the cellar entry of name at version from the store entry key.
	// An existing cellar entry is returned unchanged.
	Materialize(ctx context.Context, key domain.Digest, name, version string) (domain.CellarEntry, error)
	// Entry returns the cellar entry of name at version if it exists.
	Entry(name, version string) (domain.CellarEntry, bool)
	// Remove deletes a cellar entry.
	Remove(entry domain.CellarEntry) error
	// List returns every cellar entry.
	List() ([]domain.CellarEntry, error)
}
