// Package materializer builds cellar entries from store entries.
package materializer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
)

const stagingPrefix = ".staging-"

// Materializer implements ports.Materializer.
type Materializer struct {
	store    ports.BlobStore
	layout   domain.Layout
	strategy string
	relocs   *relocator
}

// New creates a Materializer placing files with strategy, one of the
// domain.Strategy* names. An empty strategy means domain.StrategyAuto.
func New(store ports.BlobStore, layout domain.Layout, strategy string) *Materializer {
	if strategy == "" {
		strategy = domain.StrategyAuto
	}
	return &Materializer{
		store:    store,
		layout:   layout,
		strategy: strategy,
		relocs:   newRelocator(layout),
	}
}

// Materialize builds the cellar entry of name at version from the store entry
// key. The tree is assembled in a staging directory and renamed into place.
func (m *Materializer) Materialize(ctx context.Context, key domain.Digest, name, version string) (domain.CellarEntry, error) {
	if entry, ok := m.Entry(name, version); ok {
		return entry, nil
	}

	stored, err := m.store.Get(key)
	if err != nil {
		return domain.CellarEntry{}, err
	}
	src := kegRoot(stored.Path, domain.Token(name))

	parent := filepath.Dir(m.layout.KegPath(name, version))
	if err := os.MkdirAll(parent, domain.DirPerm); err != nil {
		return domain.CellarEntry{}, materializeError(err, "failed to create cellar directory", parent)
	}
	staging, err := os.MkdirTemp(parent, stagingPrefix+version+"-*")
	if err != nil {
		return domain.CellarEntry{}, materializeError(err, "failed to create staging directory", parent)
	}

	stats, err := m.populate(ctx, src, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return domain.CellarEntry{}, zerr.With(err, "package", name)
	}

	dest := m.layout.KegPath(name, version)
	if err := os.Rename(staging, dest); err != nil {
		_ = os.RemoveAll(staging)
		// Another process finished the same entry first.
		if existing, ok := m.Entry(name, version); ok {
			return existing, nil
		}
		return domain.CellarEntry{}, materializeError(err, "failed to move cellar entry into place", dest)
	}

	return domain.CellarEntry{Name: name, Version: version, Path: dest, Created: true, Stats: stats}, nil
}

// populate mirrors src into dst and relocates placeholder files.
func (m *Materializer) populate(ctx context.Context, src, dst string) (domain.MaterializeStats, error) {
	p := newPlacer(m.strategy)
	var dirs []dirMode

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return materializeError(walkErr, "failed to read store entry", path)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return materializeError(err, "failed to stat file", path)
		}

		switch {
		case d.IsDir():
			if rel == "." {
				return nil
			}
			if err := os.Mkdir(target, domain.DirPerm); err != nil {
				return materializeError(err, "failed to create directory", target)
			}
			dirs = append(dirs, dirMode{path: target, mode: info.Mode().Perm()})
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return materializeError(err, "failed to read symlink", path)
			}
			if err := os.Symlink(link, target); err != nil {
				return materializeError(err, "failed to create symlink", target)
			}
		case info.Mode().IsRegular():
			return m.placeFile(p, path, target, info.Mode().Perm())
		}
		return nil
	})
	if err != nil {
		return domain.MaterializeStats{}, err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode|0o700); err != nil {
			return domain.MaterializeStats{}, materializeError(err, "failed to set directory mode", dirs[i].path)
		}
	}
	return p.stats, nil
}

func (m *Materializer) placeFile(p *placer, src, dst string, mode fs.FileMode) error {
	needsReloc, err := hasPlaceholder(src)
	if err != nil {
		return materializeError(err, "failed to scan file", src)
	}
	if err := p.place(src, dst, mode, !needsReloc); err != nil {
		return err
	}
	if !needsReloc {
		return nil
	}
	if err := m.relocs.relocateFile(dst, mode); err != nil {
		return err
	}
	p.stats.Relocated++
	return nil
}

// Entry returns the cellar entry of name at version if its directory exists.
func (m *Materializer) Entry(name, version string) (domain.CellarEntry, bool) {
	path := m.layout.KegPath(name, version)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return domain.CellarEntry{}, false
	}
	return domain.CellarEntry{Name: name, Version: version, Path: path}, true
}

// Remove deletes a cellar entry and its package directory once it is empty.
func (m *Materializer) Remove(entry domain.CellarEntry) error {
	if err := os.RemoveAll(entry.Path); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove cellar entry"), "path", entry.Path)
	}
	_ = os.Remove(filepath.Dir(entry.Path))
	return nil
}

// List returns every cellar entry, ordered by package and version.
// Staging directories are ignored.
func (m *Materializer) List() ([]domain.CellarEntry, error) {
	cellar := m.layout.CellarDir()
	pkgs, err := os.ReadDir(cellar)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read cellar"), "path", cellar)
	}

	var out []domain.CellarEntry
	for _, pkg := range pkgs {
		if !pkg.IsDir() || strings.HasPrefix(pkg.Name(), ".") {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(cellar, pkg.Name()))
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to read cellar"), "path", pkg.Name())
		}
		for _, v := range versions {
			if !v.IsDir() || strings.HasPrefix(v.Name(), ".") {
				continue
			}
			out = append(out, domain.CellarEntry{
				Name:    pkg.Name(),
				Version: v.Name(),
				Path:    filepath.Join(cellar, pkg.Name(), v.Name()),
			})
		}
	}
	slices.SortFunc(out, func(a, b domain.CellarEntry) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return out, nil
}

// kegRoot returns <entry>/<token>/<version> when the store entry has the
// bottle layout with exactly one version directory, otherwise the entry root.
func kegRoot(entry, token string) string {
	pkgDir := filepath.Join(entry, token)
	children, err := os.ReadDir(pkgDir)
	if err != nil || len(children) != 1 || !children[0].IsDir() {
		return entry
	}
	return filepath.Join(pkgDir, children[0].Name())
}

type dirMode struct {
	path string
	mode fs.FileMode
}

func materializeError(err error, msg, path string) error {
	return zerr.With(zerr.Wrap(domain.ErrMaterialization, msg+": "+err.Error()), "path", path)
}
