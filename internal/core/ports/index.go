package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Index is the persistent record of installed packages.
//
//go:generate mockgen -source=index.go -destination=mocks/mock_index.go -package=mocks
type Index interface {
	// Commit stores rec, replacing any record with the same name, atomically.
	Commit(ctx context.Context, rec domain.InstallRecord) error
	// Remove deletes the record of name and returns its store key.
	Remove(ctx context.Context, name string) (domain.Digest, error)
	// Get returns the record of name, or nil if it is not installed.
	Get(ctx context.Context, name string) (*domain.InstallRecord, error)
	// List returns every record ordered by name.
	List(ctx context.Context) ([]domain.InstallRecord, error)
	// StoreKeys returns the set of store keys referenced by any record.
	StoreKeys(ctx context.Context) ([]domain.Digest, error)
	// Dependents returns the names of installed packages that depend on name.
	Dependents(ctx context.Context, name string) ([]string, error)
}
