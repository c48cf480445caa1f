package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

// UninstallOptions configuration for the Uninstall method.
type UninstallOptions struct {
	All                bool
	IgnoreDependencies bool
}

// Uninstall removes the links, cellar entry and install record of each named
// package, dependents before their dependencies. Store entries are left for gc.
func (a *App) Uninstall(ctx context.Context, names []string, opts UninstallOptions) (*domain.Summary, error) {
	if len(names) == 0 && !opts.All {
		return nil, domain.ErrNoPackagesSpecified
	}

	summary := &domain.Summary{}
	targets, order, err := a.uninstallTargets(ctx, names, opts.All, summary)
	if err != nil {
		return nil, err
	}

	if !opts.IgnoreDependencies {
		blocked, err := a.blockedByDependents(ctx, targets)
		if err != nil {
			return nil, err
		}
		for _, name := range order {
			if dependents, ok := blocked[name]; ok {
				err := zerr.With(zerr.Wrap(domain.ErrHasDependents, "cannot uninstall"), "package", name)
				summary.Add(domain.Result{
					Name:      name,
					Version:   targets[name].Version,
					Status:    domain.StatusFailed,
					Requested: true,
					Err:       zerr.With(err, "dependents", dependents),
				})
				delete(targets, name)
			}
		}
	}

	for _, name := range removalOrder(targets, order) {
		rec := targets[name]
		result := domain.Result{Name: name, Version: rec.Version, Requested: true}
		if err := a.remove(ctx, rec); err != nil {
			result.Status = domain.StatusFailed
			result.Err = zerr.With(zerr.Wrap(err, "failed to uninstall"), "package", name)
		} else {
			result.Status = domain.StatusRemoved
			a.logger.Info(fmt.Sprintf("uninstalled %s %s", name, rec.Version))
		}
		summary.Add(result)
	}

	if err := summary.Err(); err != nil {
		return summary, errors.Join(domain.ErrUninstallFailed, err)
	}
	return summary, nil
}

// uninstallTargets looks up the record of every name. Unknown names are added
// to summary as failures. order keeps the request order.
func (a *App) uninstallTargets(
	ctx context.Context,
	names []string,
	all bool,
	summary *domain.Summary,
) (map[string]*domain.InstallRecord, []string, error) {
	targets := make(map[string]*domain.InstallRecord)
	var order []string

	if all {
		records, err := a.index.List(ctx)
		if err != nil {
			return nil, nil, zerr.Wrap(err, "failed to list installed packages")
		}
		for i := range records {
			targets[records[i].Name] = &records[i]
			order = append(order, records[i].Name)
		}
		return targets, order, nil
	}

	for _, raw := range names {
		name, err := domain.NormalizeName(raw)
		if err != nil {
			summary.Add(domain.Result{Name: raw, Status: domain.StatusFailed, Requested: true, Err: err})
			continue
		}
		if _, seen := targets[name]; seen {
			continue
		}
		rec, err := a.index.Get(ctx, name)
		if err != nil {
			return nil, nil, zerr.Wrap(err, "failed to read install record")
		}
		if rec == nil {
			summary.Add(domain.Result{
				Name:      name,
				Status:    domain.StatusFailed,
				Requested: true,
				Err:       zerr.With(zerr.Wrap(domain.ErrNotInstalled, "cannot uninstall"), "package", name),
			})
			continue
		}
		targets[name] = rec
		order = append(order, name)
	}
	return targets, order, nil
}

// blockedByDependents returns the targets that an installed package outside
// the removal set still depends on, with those dependents. A blocked target
// stays installed, so its own dependencies are rechecked until nothing changes.
func (a *App) blockedByDependents(
	ctx context.Context,
	targets map[string]*domain.InstallRecord,
) (map[string][]string, error) {
	dependents := make(map[string][]string, len(targets))
	for name := range targets {
		ds, err := a.index.Dependents(ctx, name)
		if err != nil {
			return nil, zerr.Wrap(err, "failed to read dependents")
		}
		dependents[name] = ds
	}

	blocked := make(map[string][]string)
	for changed := true; changed; {
		changed = false
		for name, ds := range dependents {
			if _, ok := blocked[name]; ok {
				continue
			}
			var keeping []string
			for _, d := range ds {
				_, removing := targets[d]
				if _, stays := blocked[d]; !removing || stays {
					keeping = append(keeping, d)
				}
			}
			if len(keeping) > 0 {
				slices.Sort(keeping)
				blocked[name] = keeping
				changed = true
			}
		}
	}
	return blocked, nil
}

// removalOrder orders targets so every package is removed before the
// packages it depends on.
func removalOrder(targets map[string]*domain.InstallRecord, order []string) []string {
	g := domain.NewGraph()
	for _, name := range order {
		if rec, ok := targets[name]; ok {
			g.Add(name, rec.Dependencies)
		}
	}

	sorted, blocked, _ := g.Sort()
	sorted = append(sorted, blocked...)
	slices.Reverse(sorted)
	return sorted
}

// remove takes the package out of the prefix in reverse creation order:
// links, then the cellar entry, then the record.
func (a *App) remove(ctx context.Context, rec *domain.InstallRecord) error {
	unlock, err := a.locker.Acquire(ctx, domain.LockRequest{
		Root:  domain.LockShared,
		Names: []string{rec.Name},
	})
	if err != nil {
		return err
	}
	defer unlock()

	entry := domain.CellarEntry{
		Name:    rec.Name,
		Version: rec.Version,
		Path:    a.cfg.Layout.KegPath(rec.Name, rec.Version),
	}
	if _, err := a.linker.Unlink(ctx, entry); err != nil {
		return zerr.Wrap(err, "failed to remove links")
	}
	if err := a.materializer.Remove(entry); err != nil {
		return zerr.Wrap(err, "failed to remove cellar entry")
	}
	if _, err := a.index.Remove(ctx, rec.Name); err != nil && !errors.Is(err, domain.ErrNotInstalled) {
		return zerr.Wrap(err, "failed to remove install record")
	}
	return nil
}
