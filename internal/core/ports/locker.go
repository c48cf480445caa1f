package ports

import (
	"context"

	"go.trai.ch/zb/internal/core/domain"
)

// Unlock releases every lock taken by one Acquire call.
type Unlock func()

// Locker provides cross-process mutual exclusion over the shared on-disk state.
//
//go:generate mockgen -source=locker.go -destination=mocks/mock_locker.go -package=mocks
type Locker interface {
	// Acquire takes every lock in req in canonical order, or none of them.
	Acquire(ctx context.Context, req domain.LockRequest) (Unlock, error)
}
