package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Registry looks up package descriptors.
//
//go:generate mockgen -source=registry.go -destination=mocks/mock_registry.go -package=mocks
type Registry interface {
	// Package returns the descriptor of name for the running platform.
	// Bottle is nil when no bottle matches this platform.
	Package(ctx context.Context, name string) (*domain.Package, error)
}
