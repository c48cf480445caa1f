package scheduler

import (
	"context"
	"errors"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
)

// step runs fn inside a span named name.
func (s *Scheduler) step(ctx context.Context, name string, fn func(context.Context, ports.Span) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// prepare makes the cellar entry of n available.
func (s *Scheduler) prepare(ctx context.Context, n *domain.PlanNode) result {
	key, err := s.obtain(ctx, n)
	if err != nil {
		return result{err: err}
	}

	entry, err := s.pour(ctx, n, key)
	if errors.Is(err, domain.ErrStoreEntryNotFound) && n.Method == domain.MethodBottle {
		// The store entry was collected after it was fetched.
		if key, err = s.obtain(ctx, n); err == nil {
			entry, err = s.pour(ctx, n, key)
		}
	}
	if err != nil {
		return result{err: err}
	}
	return result{key: key, entry: entry}
}

// obtain puts the files of n into the store and returns their key.
func (s *Scheduler) obtain(ctx context.Context, n *domain.PlanNode) (domain.Digest, error) {
	pkg := n.Package
	var key domain.Digest

	if n.Method == domain.MethodBottle {
		err := s.step(ctx, "fetch "+pkg.Name, func(ctx context.Context, span ports.Span) error {
			span.SetAttribute("zb.package.version", pkg.Version)
			var err error
			key, err = s.fetcher.Fetch(ctx, pkg)
			span.SetAttribute("zb.store.key", key.String())
			return err
		})
		return key, err
	}

	err := s.step(ctx, "build "+pkg.Name, func(ctx context.Context, span ports.Span) error {
		deps := make(map[string]string, len(pkg.Dependencies))
		for _, dep := range pkg.Dependencies {
			deps[dep] = s.layout.OptPath(dep)
		}
		out, err := s.builder.Build(ctx, domain.BuildRequest{Package: pkg, Dependencies: deps}, span)
		if err != nil {
			return err
		}
		defer func() { _ = s.builder.Cleanup(out) }()

		unlock, err := s.locker.Acquire(ctx, domain.LockRequest{Root: domain.LockShared})
		if err != nil {
			return err
		}
		defer unlock()

		key, err = s.store.Import(ctx, out.StagedDir)
		span.SetAttribute("zb.store.key", key.String())
		return err
	})
	return key, err
}

// pour materializes the store entry key as the cellar entry of n.
func (s *Scheduler) pour(ctx context.Context, n *domain.PlanNode, key domain.Digest) (domain.CellarEntry, error) {
	pkg := n.Package
	var entry domain.CellarEntry

	err := s.step(ctx, "pour "+pkg.Name, func(ctx context.Context, span ports.Span) error {
		unlock, err := s.locker.Acquire(ctx, domain.LockRequest{
			Root:  domain.LockShared,
			Keys:  []domain.Digest{key},
			Names: []string{pkg.Name},
		})
		if err != nil {
			return err
		}
		defer unlock()

		entry, err = s.materializer.Materialize(ctx, key, pkg.Name, pkg.Version)
		if err != nil {
			return err
		}
		span.SetAttribute("zb.cellar.created", entry.Created)
		span.SetAttribute("zb.cellar.cloned", entry.Stats.Cloned)
		span.SetAttribute("zb.cellar.hardlinked", entry.Stats.Hardlinked)
		span.SetAttribute("zb.cellar.copied", entry.Stats.Copied)
		span.SetAttribute("zb.cellar.relocated", entry.Stats.Relocated)
		return nil
	})
	return entry, err
}

// commit links entry into the prefix and records it. On failure the prefix
// is returned to its previous state.
func (s *Scheduler) commit(
	ctx context.Context,
	n *domain.PlanNode,
	key domain.Digest,
	entry domain.CellarEntry,
	opts Options,
) result {
	pkg := n.Package
	status := domain.StatusInstalled
	if n.Action == domain.ActionUpgrade {
		status = domain.StatusUpgraded
	}

	err := s.step(ctx, "link "+pkg.Name, func(ctx context.Context, span ports.Span) error {
		unlock, err := s.locker.Acquire(ctx, domain.LockRequest{
			Root:  domain.LockShared,
			Keys:  []domain.Digest{key},
			Names: []string{pkg.Name},
		})
		if err != nil {
			return err
		}
		defer unlock()

		if _, ok := s.materializer.Entry(pkg.Name, pkg.Version); !ok {
			// A cellar gc between pour and commit saw the keg without a record.
			entry, err = s.materializer.Materialize(ctx, key, pkg.Name, pkg.Version)
			if err != nil {
				return err
			}
			span.SetAttribute("zb.cellar.restored", true)
		}

		old := s.previous(n)
		if old != nil && n.Installed.Linked {
			if _, err := s.linker.Unlink(ctx, *old); err != nil {
				return err
			}
		}
		rollback := func() {
			ctx := context.WithoutCancel(ctx)
			if old != nil && n.Installed.Linked {
				_, _ = s.linker.Link(ctx, *old, domain.LinkOptions{KegOnly: n.Installed.KegOnly})
			}
			if entry.Created && (old == nil || old.Path != entry.Path) {
				_ = s.materializer.Remove(entry)
			}
		}

		var links domain.LinkSet
		if !opts.NoLink {
			links, err = s.linker.Link(ctx, entry, domain.LinkOptions{KegOnly: pkg.KegOnly})
			if err != nil {
				rollback()
				return err
			}
			span.SetAttribute("zb.links", len(links.Links))
		}

		rec := domain.InstallRecord{
			Name:         pkg.Name,
			Version:      pkg.Version,
			StoreKey:     key,
			Dependencies: pkg.Dependencies,
			InstalledAt:  s.now().UTC(),
			KegOnly:      pkg.KegOnly,
			Linked:       !opts.NoLink,
			LinkedFiles:  linkedFiles(links),
		}
		if err := s.index.Commit(ctx, rec); err != nil {
			if !opts.NoLink {
				_, _ = s.linker.Unlink(context.WithoutCancel(ctx), entry)
			}
			rollback()
			return err
		}

		if old != nil && old.Path != entry.Path {
			if err := s.materializer.Remove(*old); err != nil {
				span.SetAttribute("zb.cleanup_error", err.Error())
			}
		}
		return nil
	})
	if err != nil {
		return result{err: err}
	}
	return result{status: status}
}

// previous returns the cellar entry of the version n replaces, if any.
func (s *Scheduler) previous(n *domain.PlanNode) *domain.CellarEntry {
	if n.Installed == nil {
		return nil
	}
	return &domain.CellarEntry{
		Name:    n.Installed.Name,
		Version: n.Installed.Version,
		Path:    s.layout.KegPath(n.Installed.Name, n.Installed.Version),
	}
}

func linkedFiles(links domain.LinkSet) []string {
	files := links.Paths()
	if links.Opt != "" {
		files = append(files, links.Opt)
	}
	return files
}
