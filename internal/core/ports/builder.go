package ports

import (
	"context"
	"io"

	"go.trai.ch/zb/internal/core/domain"
)

// Builder produces a package's files from source.
//
//go:generate mockgen -source=builder.go -destination=mocks/mock_builder.go -package=mocks
type Builder interface {
	// Available reports whether source builds are configured.
	Available() bool
	// Build runs the build of req.Package and returns its staged output.
	Build(ctx context.Context, req domain.BuildRequest, out io.Writer) (domain.BuildOutput, error)
	// Cleanup removes a staged output.
	Cleanup(out domain.BuildOutput) error
}

// CommandRunner runs external processes.
type CommandRunner interface {
	// Run starts cmd, streams its combined output to out and waits for it.
	Run(ctx context.Context, cmd domain.Command, out io.Writer) error
}
