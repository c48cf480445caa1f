// Package resolver turns requested package names into an ordered install plan.
package resolver

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/pool"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
)

// Options controls how a plan is built.
type Options struct {
	// Reinstall installs requested packages again even when a satisfying
	// version is already recorded.
	Reinstall bool
	// BuildFromSource prefers the source method for packages that have one.
	BuildFromSource bool
}

// Resolver builds install plans from registry descriptors and the index.
type Resolver struct {
	registry     ports.Registry
	index        ports.Index
	materializer ports.Materializer
	builder      ports.Builder
	width        int
}

// New creates a Resolver that looks up at most width descriptors at once.
func New(
	registry ports.Registry,
	index ports.Index,
	materializer ports.Materializer,
	builder ports.Builder,
	width int,
) *Resolver {
	if width < 1 {
		width = domain.DefaultConcurrency
	}
	return &Resolver{
		registry:     registry,
		index:        index,
		materializer: materializer,
		builder:      builder,
		width:        width,
	}
}

// Resolve looks up names and their dependency closure and returns a plan in
// dependency order. Names that cannot be planned, together with everything
// that depends on them, are listed in Plan.Failures. The returned error is
// reserved for failures that affect the whole plan, such as cancellation.
func (r *Resolver) Resolve(ctx context.Context, names []string, opts Options) (*domain.Plan, error) {
	run := &resolution{
		r:        r,
		opts:     opts,
		graph:    domain.NewGraph(),
		known:    make(map[string]bool),
		packages: make(map[string]*domain.Package),
		methods:  make(map[string]domain.Method),
		failed:   make(map[string]error),
	}
	plan := &domain.Plan{}

	requested := make(map[string]bool, len(names))
	for _, raw := range names {
		name, err := domain.NormalizeName(raw)
		if err != nil {
			plan.Failures = append(plan.Failures, domain.Failure{Name: raw, Err: err})
			continue
		}
		if requested[name] {
			continue
		}
		requested[name] = true
		plan.Requested = append(plan.Requested, name)
		run.discover(name)
	}

	if err := run.fetchClosure(ctx, plan.Requested); err != nil {
		return nil, err
	}
	run.propagateFailures()

	order, blocked, cycleErr := run.graph.Sort()
	for _, name := range blocked {
		run.failed[name] = cycleErr
	}

	for _, name := range order {
		node, err := r.node(ctx, run.packages[name], run.methods[name], requested[name], opts)
		if err != nil {
			return nil, err
		}
		node.Dependencies = run.graph.Dependencies(name)
		plan.Nodes = append(plan.Nodes, node)
	}
	for _, name := range run.seen {
		if err, ok := run.failed[name]; ok {
			plan.Failures = append(plan.Failures, domain.Failure{Name: name, Err: err})
		}
	}
	return plan, nil
}

// node decides what the install pipeline does with pkg.
func (r *Resolver) node(
	ctx context.Context,
	pkg *domain.Package,
	method domain.Method,
	requested bool,
	opts Options,
) (*domain.PlanNode, error) {
	node := &domain.PlanNode{Package: pkg, Method: method, Requested: requested, Action: domain.ActionInstall}

	rec, err := r.index.Get(ctx, pkg.Name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return node, nil
	}
	node.Installed = rec

	switch {
	case requested && opts.Reinstall:
		node.Action = domain.ActionInstall
	case domain.ParseVersion(rec.Version).Compare(domain.ParseVersion(pkg.Version)) < 0:
		node.Action = domain.ActionUpgrade
	case r.kegMissing(rec):
		// The record survived but its cellar entry did not; install it again.
		node.Action = domain.ActionInstall
	default:
		node.Action = domain.ActionSkip
		node.Package = recordedPackage(pkg, rec)
	}
	return node, nil
}

func (r *Resolver) kegMissing(rec *domain.InstallRecord) bool {
	if r.materializer == nil {
		return false
	}
	_, ok := r.materializer.Entry(rec.Name, rec.Version)
	return !ok
}

// recordedPackage describes the installed version of pkg. The registry
// descriptor is kept when it names the same version.
func recordedPackage(pkg *domain.Package, rec *domain.InstallRecord) *domain.Package {
	if pkg.Version == rec.Version {
		return pkg
	}
	installed := *pkg
	installed.Version = rec.Version
	installed.Dependencies = rec.Dependencies
	installed.Bottle = nil
	installed.Source = nil
	return &installed
}

// resolution is the state of one Resolve call.
type resolution struct {
	r    *Resolver
	opts Options

	graph    *domain.Graph
	seen     []string
	known    map[string]bool
	packages map[string]*domain.Package
	methods  map[string]domain.Method
	failed   map[string]error
}

func (run *resolution) discover(name string) bool {
	if run.known[name] {
		return false
	}
	run.known[name] = true
	run.seen = append(run.seen, name)
	run.graph.See(name)
	return true
}

type lookup struct {
	pkg *domain.Package
	err error
}

// fetchClosure looks up frontier in parallel, then every newly discovered
// dependency, one batch at a time, until the closure is complete.
func (run *resolution) fetchClosure(ctx context.Context, frontier []string) error {
	for len(frontier) > 0 {
		results := make([]lookup, len(frontier))

		p := pool.New().WithMaxGoroutines(run.r.width).WithContext(ctx)
		for i, name := range frontier {
			p.Go(func(ctx context.Context) error {
				pkg, err := run.r.registry.Package(ctx, name)
				results[i] = lookup{pkg: pkg, err: err}
				return nil
			})
		}
		_ = p.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}

		var next []string
		for i, name := range frontier {
			res := results[i]
			if res.err != nil {
				run.failed[name] = res.err
				continue
			}
			method, err := run.method(res.pkg)
			if err != nil {
				run.failed[name] = err
				continue
			}
			run.packages[name] = res.pkg
			run.methods[name] = method
			run.graph.Add(name, res.pkg.Dependencies)
			for _, dep := range res.pkg.Dependencies {
				if run.discover(dep) {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	return nil
}

// method picks how pkg's files are produced on this host.
func (run *resolution) method(pkg *domain.Package) (domain.Method, error) {
	canBuild := pkg.Source != nil && run.r.builder != nil && run.r.builder.Available()
	switch {
	case canBuild && (run.opts.BuildFromSource || pkg.Bottle == nil):
		return domain.MethodSource, nil
	case pkg.Bottle != nil:
		return domain.MethodBottle, nil
	default:
		return domain.MethodBottle, zerr.With(zerr.Wrap(domain.ErrNoCompatibleBottle, "no bottle for this platform"),
			"package", pkg.Name)
	}
}

// propagateFailures fails every package that depends, directly or not, on a
// package that could not be resolved, and drops them from the graph.
func (run *resolution) propagateFailures() {
	for name := range run.failed {
		run.graph.Remove(name)
	}
	for changed := true; changed; {
		changed = false
		for _, name := range run.seen {
			pkg, ok := run.packages[name]
			if !ok || !run.graph.Has(name) {
				continue
			}
			for _, dep := range pkg.Dependencies {
				if _, bad := run.failed[dep]; !bad {
					continue
				}
				run.failed[name] = unresolvedError(dep, run.failed[dep])
				run.graph.Remove(name)
				changed = true
				break
			}
		}
	}
}

func unresolvedError(dep string, cause error) error {
	err := zerr.With(zerr.Wrap(domain.ErrDependencyUnresolved, "a dependency could not be resolved"), "dependency", dep)
	if errors.Is(cause, domain.ErrDependencyUnresolved) {
		return err
	}
	return zerr.With(err, "reason", cause.Error())
}
