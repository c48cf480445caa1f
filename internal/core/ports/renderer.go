package ports

import (
	"context"
	"time"
)

// Renderer is the abstraction for progress output.
// It decouples telemetry collection from presentation.
//
//go:generate mockgen -source=renderer.go -destination=mocks/mock_renderer.go -package=mocks
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// Stop flushes buffered output and stops accepting events.
	Stop() error

	// Wait blocks until the renderer has fully terminated.
	Wait() error

	// OnPlanEmit is called once the install plan is known.
	// names: every package in plan order
	// deps: in-plan dependencies of each package
	// requested: the packages the user asked for
	OnPlanEmit(names []string, deps map[string][]string, requested []string)

	// OnTaskStart is called when a step begins.
	OnTaskStart(spanID, parentID, name string, startTime time.Time)

	// OnTaskLog is called when a step emits output.
	OnTaskLog(spanID string, data []byte)

	// OnTaskComplete is called when a step finishes.
	OnTaskComplete(spanID string, endTime time.Time, err error)
}
