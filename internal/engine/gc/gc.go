// Package gc reclaims store entries and cellar entries that no install record
// references.
package gc

import (
	"context"
	"errors"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Options controls one collection.
type Options struct {
	// DryRun reports what would be removed without removing anything.
	DryRun bool
	// Cellar also removes cellar entries that have no install record.
	Cellar bool
}

// Collector removes unreferenced state under the exclusive store lock.
type Collector struct {
	index        ports.Index
	store        ports.BlobStore
	materializer ports.Materializer
	linker       ports.Linker
	locker       ports.Locker
	width        int
}

// New creates a Collector that removes at most width entries at once.
func New(
	index ports.Index,
	store ports.BlobStore,
	materializer ports.Materializer,
	linker ports.Linker,
	locker ports.Locker,
	width int,
) *Collector {
	if width < 1 {
		width = domain.DefaultConcurrency
	}
	return &Collector{
		index:        index,
		store:        store,
		materializer: materializer,
		linker:       linker,
		locker:       locker,
		width:        width,
	}
}

// Collect removes every store entry that no install record references. The
// download cache is left alone.
func (c *Collector) Collect(ctx context.Context, opts Options) (domain.GCReport, error) {
	report := domain.GCReport{DryRun: opts.DryRun}

	unlock, err := c.locker.Acquire(ctx, domain.LockRequest{Root: domain.LockExclusive})
	if err != nil {
		return report, err
	}
	defer unlock()

	keysInUse, err := c.index.StoreKeys(ctx)
	if err != nil {
		return report, err
	}
	referenced := make(map[domain.Digest]struct{}, len(keysInUse))
	for _, key := range keysInUse {
		referenced[key] = struct{}{}
	}
	keys, err := c.store.List()
	if err != nil {
		return report, err
	}

	var garbage []domain.Digest
	for _, key := range keys {
		if _, ok := referenced[key]; !ok {
			garbage = append(garbage, key)
		}
	}
	report.Retained = len(keys) - len(garbage)

	var errs error
	if opts.DryRun {
		report.Removed = garbage
	} else {
		report.Removed, errs = c.removeEntries(ctx, garbage)
	}

	if opts.Cellar {
		orphans, err := c.orphanKegs(ctx)
		if err != nil {
			return report, errors.Join(errs, err)
		}
		if opts.DryRun {
			report.OrphanKegs = orphans
		} else {
			var removeErr error
			report.OrphanKegs, removeErr = c.removeKegs(ctx, orphans)
			errs = errors.Join(errs, removeErr)
		}
	}
	return report, errs
}

func (c *Collector) removeEntries(ctx context.Context, keys []domain.Digest) ([]domain.Digest, error) {
	errs := make([]error, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.width)
	for i, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = c.store.Remove(key)
			return nil
		})
	}
	_ = g.Wait()

	var removed []domain.Digest
	for i, key := range keys {
		if errs[i] == nil {
			removed = append(removed, key)
		}
	}
	return removed, errors.Join(errs...)
}

// orphanKegs lists cellar entries whose name and version match no record.
func (c *Collector) orphanKegs(ctx context.Context) ([]domain.CellarEntry, error) {
	records, err := c.index.List(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.materializer.List()
	if err != nil {
		return nil, err
	}

	type kegID struct{ token, version string }
	recorded := make(map[kegID]bool, len(records))
	for _, rec := range records {
		recorded[kegID{domain.Token(rec.Name), rec.Version}] = true
	}

	var orphans []domain.CellarEntry
	for _, e := range entries {
		if !recorded[kegID{domain.Token(e.Name), e.Version}] {
			orphans = append(orphans, e)
		}
	}
	return orphans, nil
}

func (c *Collector) removeKegs(ctx context.Context, kegs []domain.CellarEntry) ([]domain.CellarEntry, error) {
	var removed []domain.CellarEntry
	var errs error
	for _, keg := range kegs {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(errs, err)
		}
		if _, err := c.linker.Unlink(ctx, keg); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if err := c.materializer.Remove(keg); err != nil {
			errs = errors.Join(errs, zerr.With(err, "package", keg.Name))
			continue
		}
		removed = append(removed, keg)
	}
	return removed, errs
}
