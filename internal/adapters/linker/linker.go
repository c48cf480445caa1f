// Package linker projects cellar entries into the shared prefix with relative symlinks.
package linker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

const unknownOwner = "unknown"

// Linker implements ports.Linker.
type Linker struct {
	layout domain.Layout
}

// New creates a Linker for layout.
func New(layout domain.Layout) *Linker {
	return &Linker{layout: layout}
}

type action int

const (
	actionCreate action = iota
	actionReplace
	actionKeep
)

type plannedLink struct {
	link   domain.Link
	action action
}

// Link creates the opt link of entry and, unless opts.KegOnly is set, one
// link per file in its category directories. Every conflict is collected
// before anything is changed; with any conflict nothing is linked.
func (l *Linker) Link(ctx context.Context, entry domain.CellarEntry, opts domain.LinkOptions) (domain.LinkSet, error) {
	var sources []domain.Link
	if !opts.KegOnly {
		var err error
		sources, err = l.sources(entry)
		if err != nil {
			return domain.LinkSet{}, err
		}
	}
	opt := domain.Link{Path: l.layout.OptPath(entry.Name), Target: entry.Path}

	var (
		plan      []plannedLink
		conflicts []error
	)
	for _, link := range append(sources, opt) {
		if err := ctx.Err(); err != nil {
			return domain.LinkSet{}, err
		}
		act, err := l.inspect(entry, link)
		if err != nil {
			conflicts = append(conflicts, err)
			continue
		}
		plan = append(plan, plannedLink{link: link, action: act})
	}
	if len(conflicts) > 0 {
		return domain.LinkSet{}, errors.Join(conflicts...)
	}

	var created []string
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			_ = os.Remove(created[i])
		}
	}
	for _, p := range plan {
		if p.action == actionKeep {
			continue
		}
		if err := ctx.Err(); err != nil {
			rollback()
			return domain.LinkSet{}, err
		}
		if err := l.create(p); err != nil {
			rollback()
			return domain.LinkSet{}, err
		}
		created = append(created, p.link.Path)
	}

	set := domain.LinkSet{Name: entry.Name, Links: sources, Opt: opt.Path}
	return set, nil
}

// sources lists every file under the category directories of entry with
// the prefix path it is linked at.
func (l *Linker) sources(entry domain.CellarEntry) ([]domain.Link, error) {
	var out []domain.Link
	for _, category := range domain.LinkCategories {
		root := filepath.Join(entry.Path, category)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(entry.Path, path)
			if err != nil {
				return err
			}
			out = append(out, domain.Link{Path: filepath.Join(l.layout.Prefix, rel), Target: path})
			return nil
		})
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to scan cellar entry"), "path", root)
		}
	}
	return out, nil
}

// inspect decides what to do with the prefix path of link.
func (l *Linker) inspect(entry domain.CellarEntry, link domain.Link) (action, error) {
	info, err := os.Lstat(link.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return actionCreate, nil
	}
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to inspect link path"), "path", link.Path)
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return 0, conflictError(link.Path, unknownOwner)
	}

	resolved, err := resolveLink(link.Path)
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to read link"), "path", link.Path)
	}
	if resolved == filepath.Clean(link.Target) {
		return actionKeep, nil
	}
	if _, err := os.Stat(link.Path); errors.Is(err, fs.ErrNotExist) {
		return actionReplace, nil
	}
	owner := l.owner(resolved)
	if owner == domain.Token(entry.Name) {
		return actionReplace, nil
	}
	return 0, conflictError(link.Path, owner)
}

func (l *Linker) create(p plannedLink) error {
	path := p.link.Path
	if err := os.MkdirAll(filepath.Dir(path), domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create prefix directory"), "path", filepath.Dir(path))
	}
	if p.action == actionReplace {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return zerr.With(zerr.Wrap(err, "failed to replace link"), "path", path)
		}
	}
	rel, err := filepath.Rel(filepath.Dir(path), p.link.Target)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to compute link target"), "path", path)
	}
	if err := os.Symlink(rel, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Someone else created the path after the scan.
			return conflictError(path, unknownOwner)
		}
		return zerr.With(zerr.Wrap(err, "failed to create link"), "path", path)
	}
	return nil
}

// Unlink removes every prefix link that resolves into entry, prunes the
// directories it empties, and removes the opt link if it points at entry.
// Unlinking an entry with no links is a no-op.
func (l *Linker) Unlink(ctx context.Context, entry domain.CellarEntry) (domain.LinkSet, error) {
	set := domain.LinkSet{Name: entry.Name}
	for _, category := range domain.LinkCategories {
		if err := ctx.Err(); err != nil {
			return set, err
		}
		root := filepath.Join(l.layout.Prefix, category)
		links, err := l.unlinkTree(root, entry.Path)
		set.Links = append(set.Links, links...)
		if err != nil {
			return set, err
		}
	}

	opt := l.layout.OptPath(entry.Name)
	if resolved, err := resolveLink(opt); err == nil && within(resolved, entry.Path) {
		if err := os.Remove(opt); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return set, zerr.With(zerr.Wrap(err, "failed to remove opt link"), "path", opt)
		}
		set.Opt = opt
	}
	return set, nil
}

func (l *Linker) unlinkTree(root, keg string) ([]domain.Link, error) {
	var (
		links []domain.Link
		dirs  []string
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := resolveLink(path)
		if err != nil || !within(resolved, keg) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return zerr.With(zerr.Wrap(err, "failed to remove link"), "path", path)
		}
		links = append(links, domain.Link{Path: path, Target: resolved})
		return nil
	})
	if err != nil {
		return links, zerr.With(zerr.Wrap(err, "failed to unlink"), "path", root)
	}

	// Deepest first so parents can empty out.
	slices.SortFunc(dirs, func(a, b string) int { return len(b) - len(a) })
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
	return links, nil
}

// owner returns the package token a resolved path belongs to.
func (l *Linker) owner(resolved string) string {
	rel, err := filepath.Rel(l.layout.CellarDir(), resolved)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return unknownOwner
	}
	token, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return token
}

// resolveLink returns the absolute, cleaned target of the symlink at path.
func resolveLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

func within(path, root string) bool {
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func conflictError(path, owner string) error {
	err := zerr.Wrap(domain.ErrLinkConflict, "path is owned by another package")
	return zerr.With(zerr.With(err, "path", path), "owner", owner)
}
