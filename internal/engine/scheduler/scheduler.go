// Package scheduler runs install plans: every package is prepared (fetched or
// built, then materialized) as early as possible and committed (linked, then
// recorded) only after its dependencies have been committed.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
)

// Options controls one install run.
type Options struct {
	// Concurrency bounds how many jobs run at once.
	Concurrency int
	// NoLink installs packages without linking them into the prefix.
	NoLink bool
}

// Scheduler executes install plans.
type Scheduler struct {
	fetcher      ports.Fetcher
	store        ports.BlobStore
	materializer ports.Materializer
	linker       ports.Linker
	index        ports.Index
	locker       ports.Locker
	builder      ports.Builder
	tracer       ports.Tracer
	layout       domain.Layout
	now          func() time.Time
}

// NewScheduler creates a new Scheduler with the given dependencies.
func NewScheduler(
	fetcher ports.Fetcher,
	store ports.BlobStore,
	materializer ports.Materializer,
	linker ports.Linker,
	index ports.Index,
	locker ports.Locker,
	builder ports.Builder,
	tracer ports.Tracer,
	layout domain.Layout,
) *Scheduler {
	return &Scheduler{
		fetcher:      fetcher,
		store:        store,
		materializer: materializer,
		linker:       linker,
		index:        index,
		locker:       locker,
		builder:      builder,
		tracer:       tracer,
		layout:       layout,
		now:          time.Now,
	}
}

// Install executes plan and reports the outcome of every package in it,
// including the failures recorded while planning.
func (s *Scheduler) Install(ctx context.Context, plan *domain.Plan, opts Options) *domain.Summary {
	s.tracer.EmitPlan(ctx, plan.Names(), plan.DependencyMap(), plan.Requested)

	state := s.newRunState(ctx, plan, opts)
	state.run()
	return state.summary(plan)
}

type phase int

const (
	phasePrepare phase = iota
	phaseCommit
)

type job struct {
	phase phase
	node  *domain.PlanNode
}

type result struct {
	job    job
	key    domain.Digest
	entry  domain.CellarEntry
	status domain.Status
	err    error
}

type nodeState struct {
	node       *domain.PlanNode
	pending    int // dependencies not yet committed
	prepared   bool
	inFlight   bool
	done       bool
	key        domain.Digest
	entry      domain.CellarEntry
	result     domain.Result
	dependents []string
}

type runState struct {
	s           *Scheduler
	ctx         context.Context
	opts        Options
	parallelism int

	nodes     map[string]*nodeState
	ready     []job
	active    int
	resultsCh chan result
}

func (s *Scheduler) newRunState(ctx context.Context, plan *domain.Plan, opts Options) *runState {
	parallelism := opts.Concurrency
	if parallelism < 1 {
		parallelism = domain.DefaultConcurrency
	}
	state := &runState{
		s:           s,
		ctx:         ctx,
		opts:        opts,
		parallelism: parallelism,
		nodes:       make(map[string]*nodeState, len(plan.Nodes)),
		resultsCh:   make(chan result, parallelism),
	}

	for _, n := range plan.Nodes {
		state.nodes[n.Name()] = &nodeState{node: n, pending: len(n.Dependencies)}
	}
	for _, n := range plan.Nodes {
		for _, dep := range n.Dependencies {
			if d, ok := state.nodes[dep]; ok {
				d.dependents = append(d.dependents, n.Name())
			}
		}
	}

	// Nodes are in dependency order, so skipped dependencies are settled
	// before any dependent is examined.
	for _, n := range plan.Nodes {
		ns := state.nodes[n.Name()]
		if n.Action == domain.ActionSkip {
			state.finish(ns, domain.Result{Status: domain.StatusAlreadyInstalled})
			continue
		}
		state.enqueueIfReady(ns)
	}
	return state
}

func (state *runState) run() {
	for !state.isDone() {
		state.schedule()

		if state.isDone() {
			break
		}
		if state.ctx.Err() != nil && state.active == 0 {
			break
		}

		select {
		case res := <-state.resultsCh:
			state.handleResult(res)
		case <-state.ctx.Done():
			if state.active > 0 {
				state.handleResult(<-state.resultsCh)
			}
		}
	}

	for _, ns := range state.nodes {
		if !ns.done {
			err := state.ctx.Err()
			if err == nil {
				err = domain.ErrDependencyFailed
			}
			state.finish(ns, domain.Result{Status: domain.StatusFailed, Err: err})
		}
	}
}

func (state *runState) isDone() bool {
	return state.active == 0 && len(state.ready) == 0
}

func (state *runState) schedule() {
	for len(state.ready) > 0 && state.active < state.parallelism && state.ctx.Err() == nil {
		j := state.ready[0]
		state.ready = state.ready[1:]

		ns := state.nodes[j.node.Name()]
		if ns.done {
			continue
		}
		ns.inFlight = true
		state.active++
		go state.execute(j, ns.key, ns.entry)
	}
}

// enqueueIfReady queues the next job of ns once its inputs are available.
// Source builds need their dependencies installed before they prepare.
func (state *runState) enqueueIfReady(ns *nodeState) {
	if ns.done || ns.inFlight {
		return
	}
	switch {
	case !ns.prepared && (ns.node.Method == domain.MethodBottle || ns.pending == 0):
		state.ready = append(state.ready, job{phase: phasePrepare, node: ns.node})
		ns.inFlight = true
	case ns.prepared && ns.pending == 0:
		state.ready = append(state.ready, job{phase: phaseCommit, node: ns.node})
		ns.inFlight = true
	}
}

func (state *runState) execute(j job, key domain.Digest, entry domain.CellarEntry) {
	var res result
	switch j.phase {
	case phasePrepare:
		res = state.s.prepare(state.ctx, j.node)
	case phaseCommit:
		res = state.s.commit(state.ctx, j.node, key, entry, state.opts)
		if errors.Is(res.err, domain.ErrStoreEntryNotFound) {
			// gc took the keg and its store entry after prepare; start over once.
			if res = state.s.prepare(state.ctx, j.node); res.err == nil {
				res = state.s.commit(state.ctx, j.node, res.key, res.entry, state.opts)
			}
		}
	}
	res.job = j
	state.resultsCh <- res
}

func (state *runState) handleResult(res result) {
	state.active--
	ns := state.nodes[res.job.node.Name()]
	ns.inFlight = false

	if ns.done {
		// A dependency failed while this job was running.
		return
	}
	if res.err != nil {
		state.fail(ns, res.err)
		return
	}

	switch res.job.phase {
	case phasePrepare:
		ns.prepared = true
		ns.key = res.key
		ns.entry = res.entry
		state.enqueueIfReady(ns)
	case phaseCommit:
		state.finish(ns, domain.Result{Status: res.status})
	}
}

// finish settles ns and releases its dependents.
func (state *runState) finish(ns *nodeState, r domain.Result) {
	ns.done = true
	ns.inFlight = false
	ns.result = r

	if r.Status.Failed() {
		return
	}
	for _, name := range ns.dependents {
		d := state.nodes[name]
		d.pending--
		state.enqueueIfReady(d)
	}
}

// fail marks ns failed and skips everything that depends on it.
func (state *runState) fail(ns *nodeState, err error) {
	state.finish(ns, domain.Result{
		Status: domain.StatusFailed,
		Err:    zerr.With(zerr.Wrap(err, ""), "package", ns.node.Name()),
	})

	queue := append([]string(nil), ns.dependents...)
	for len(queue) > 0 {
		d := state.nodes[queue[0]]
		queue = queue[1:]
		if d.done {
			continue
		}
		state.finish(d, domain.Result{
			Status: domain.StatusSkipped,
			Err: zerr.With(zerr.With(zerr.Wrap(domain.ErrDependencyFailed, "not attempted"),
				"package", d.node.Name()), "dependency", ns.node.Name()),
		})
		queue = append(queue, d.dependents...)
	}
}

// summary lists planning failures first, then every node in plan order.
func (state *runState) summary(plan *domain.Plan) *domain.Summary {
	requested := make(map[string]bool, len(plan.Requested))
	for _, name := range plan.Requested {
		requested[name] = true
	}

	sum := &domain.Summary{}
	for _, f := range plan.Failures {
		status := domain.StatusFailed
		if errors.Is(f.Err, domain.ErrDependencyUnresolved) {
			status = domain.StatusSkipped
		}
		sum.Add(domain.Result{Name: f.Name, Status: status, Requested: requested[f.Name], Err: f.Err})
	}
	for _, n := range plan.Nodes {
		r := state.nodes[n.Name()].result
		r.Name = n.Name()
		r.Version = n.Package.Version
		r.Requested = n.Requested
		sum.Add(r)
	}
	return sum
}
