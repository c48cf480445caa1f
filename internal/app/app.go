// Package app implements the application layer for zb.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.trai.ch/zb/internal/adapters/linear"    //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/adapters/telemetry" //nolint:depguard // Wired in app layer
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zb/internal/engine/gc"
	"go.trai.ch/zb/internal/engine/resolver"
	"go.trai.ch/zb/internal/engine/scheduler"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Services are the collaborators an App drives.
type Services struct {
	Config       *domain.Config
	Logger       ports.Logger
	Registry     ports.Registry
	Resolver     *resolver.Resolver
	Collector    *gc.Collector
	Fetcher      ports.Fetcher
	Store        ports.BlobStore
	Materializer ports.Materializer
	Linker       ports.Linker
	Index        ports.Index
	Locker       ports.Locker
	Builder      ports.Builder
}

// App represents the main application logic.
type App struct {
	cfg          *domain.Config
	logger       ports.Logger
	registry     ports.Registry
	resolver     *resolver.Resolver
	collector    *gc.Collector
	fetcher      ports.Fetcher
	store        ports.BlobStore
	materializer ports.Materializer
	linker       ports.Linker
	index        ports.Index
	locker       ports.Locker
	builder      ports.Builder

	stdout io.Writer
	stderr io.Writer
}

// New creates a new App instance.
func New(s Services) *App {
	return &App{
		cfg:          s.Config,
		logger:       s.Logger,
		registry:     s.Registry,
		resolver:     s.Resolver,
		collector:    s.Collector,
		fetcher:      s.Fetcher,
		store:        s.Store,
		materializer: s.Materializer,
		linker:       s.Linker,
		index:        s.Index,
		locker:       s.Locker,
		builder:      s.Builder,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
	}
}

// WithOutput redirects progress output.
// This is primarily used for testing to capture or discard it.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	return a
}

// Close releases the metadata index and the registry API cache.
func (a *App) Close() error {
	var errs []error
	for _, v := range []any{a.index, a.registry} {
		if c, ok := v.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// InstallOptions configuration for the Install method.
type InstallOptions struct {
	NoLink          bool
	BuildFromSource bool
	Reinstall       bool
	Quiet           bool
}

// Install resolves names and installs the resulting plan. The summary is
// returned even when some packages failed; the error is then ErrInstallFailed
// joined with every per-package error.
func (a *App) Install(ctx context.Context, names []string, opts InstallOptions) (*domain.Summary, error) {
	if len(names) == 0 {
		return nil, domain.ErrNoPackagesSpecified
	}

	var renderer ports.Renderer
	var tracer ports.Tracer
	if opts.Quiet {
		tracer = telemetry.NewNoOpTracer()
	} else {
		renderer = linear.NewRenderer(a.stdout, a.stderr)
		tp := telemetry.NewProvider(renderer)
		otelTracer := telemetry.NewOTelTracer("zb").WithProvider(tp).WithRenderer(renderer)
		defer func() {
			_ = otelTracer.Shutdown(context.WithoutCancel(ctx))
			_ = tp.Shutdown(context.WithoutCancel(ctx))
		}()
		tracer = otelTracer
	}

	sched := scheduler.NewScheduler(
		a.fetcher,
		a.store,
		a.materializer,
		a.linker,
		a.index,
		a.locker,
		a.builder,
		tracer,
		a.cfg.Layout,
	)

	var summary *domain.Summary
	g, ctx := errgroup.WithContext(ctx)

	// Renderer Routine
	if renderer != nil {
		g.Go(func() error {
			if err := renderer.Start(ctx); err != nil {
				return err
			}
			return renderer.Wait()
		})
	}

	// Install Routine
	g.Go(func() error {
		if renderer != nil {
			defer func() { _ = renderer.Stop() }()
		}

		plan, err := a.resolve(ctx, tracer, names, opts)
		if err != nil {
			return err
		}

		summary = sched.Install(ctx, plan, scheduler.Options{
			Concurrency: a.cfg.Concurrency,
			NoLink:      opts.NoLink,
		})
		if err := summary.Err(); err != nil {
			return errors.Join(domain.ErrInstallFailed, err)
		}
		return nil
	})

	return summary, g.Wait()
}

func (a *App) resolve(
	ctx context.Context,
	tracer ports.Tracer,
	names []string,
	opts InstallOptions,
) (*domain.Plan, error) {
	ctx, span := tracer.Start(ctx, "resolve")
	defer span.End()

	plan, err := a.resolver.Resolve(ctx, names, resolver.Options{
		Reinstall:       opts.Reinstall,
		BuildFromSource: opts.BuildFromSource,
	})
	if err != nil {
		span.RecordError(err)
		return nil, zerr.Wrap(err, "failed to resolve packages")
	}
	span.SetAttribute("zb.planned", len(plan.Nodes))
	span.SetAttribute("zb.unresolved", len(plan.Failures))
	return plan, nil
}

// GCOptions configuration for the GC method.
type GCOptions struct {
	DryRun bool
	Cellar bool
}

// GC removes store entries no install record references.
func (a *App) GC(ctx context.Context, opts GCOptions) (domain.GCReport, error) {
	report, err := a.collector.Collect(ctx, gc.Options{DryRun: opts.DryRun, Cellar: opts.Cellar})
	if err != nil {
		return report, zerr.Wrap(err, "garbage collection failed")
	}

	verb := "removed"
	if report.DryRun {
		verb = "would remove"
	}
	a.logger.Info(fmt.Sprintf("%s %d store entries, %d retained", verb, len(report.Removed), report.Retained))
	if opts.Cellar {
		a.logger.Info(fmt.Sprintf("%s %d orphan kegs", verb, len(report.OrphanKegs)))
	}
	return report, nil
}

// List returns every install record ordered by name.
func (a *App) List(ctx context.Context) ([]domain.InstallRecord, error) {
	records, err := a.index.List(ctx)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to list installed packages")
	}
	return records, nil
}

// PackageInfo describes one installed package.
type PackageInfo struct {
	Record     domain.InstallRecord
	KegPath    string
	Dependents []string
}

// Info returns the install record of name and the installed packages that
// depend on it.
func (a *App) Info(ctx context.Context, name string) (*PackageInfo, error) {
	normalized, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	rec, err := a.index.Get(ctx, normalized)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to read install record")
	}
	if rec == nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrNotInstalled, "no install record"), "package", normalized)
	}
	dependents, err := a.index.Dependents(ctx, normalized)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to read dependents")
	}
	return &PackageInfo{
		Record:     *rec,
		KegPath:    a.cfg.Layout.KegPath(rec.Name, rec.Version),
		Dependents: dependents,
	}, nil
}
