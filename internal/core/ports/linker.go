package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Linker projects cellar entries into the shared prefix.
//
//go:generate mockgen -source=linker.go -destination=mocks/mock_linker.go -package=mocks
type Linker interface {
	// Link creates the links of entry. It either creates every link or,
	// on conflict, none of them.
	Link(ctx context.Context, entry domain.CellarEntry, opts domain.LinkOptions) (domain.LinkSet, error)
	// Unlink removes the links that resolve into entry and returns them.
	Unlink(ctx context.Context, entry domain.CellarEntry) (domain.LinkSet, error)
}
