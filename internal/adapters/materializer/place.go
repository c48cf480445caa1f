package materializer

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

var errCloneUnsupported = errors.New("clone is not supported on this platform")

// placer places files with the configured strategies. A strategy that fails
// for lack of filesystem support is not tried again.
type placer struct {
	order    []string
	disabled map[string]bool
	stats    domain.MaterializeStats
}

func newPlacer(strategy string) *placer {
	order := []string{domain.StrategyClone, domain.StrategyHardlink, domain.StrategyCopy}
	switch strategy {
	case domain.StrategyClone, domain.StrategyHardlink, domain.StrategyCopy:
		order = []string{strategy}
	}
	return &placer{order: order, disabled: make(map[string]bool)}
}

// place puts a copy of src at dst. Hard links are only used when linkable is
// set; files that are rewritten afterwards must not share an inode with the store.
func (p *placer) place(src, dst string, mode fs.FileMode, linkable bool) error {
	order := p.order
	if !linkable && len(order) == 1 && order[0] == domain.StrategyHardlink {
		order = []string{domain.StrategyCopy}
	}

	var errs []error
	for _, strategy := range order {
		if p.disabled[strategy] || (strategy == domain.StrategyHardlink && !linkable) {
			continue
		}
		err := p.try(strategy, src, dst, mode)
		if err == nil {
			return nil
		}
		_ = os.Remove(dst)
		if unsupported(err) {
			p.disabled[strategy] = true
		}
		errs = append(errs, zerr.With(err, "strategy", strategy))
	}

	err := zerr.With(zerr.Wrap(domain.ErrNoMaterializeStrategy, "failed to place file"), "path", dst)
	if len(errs) > 0 {
		return zerr.With(err, "cause", errors.Join(errs...).Error())
	}
	return err
}

func (p *placer) try(strategy, src, dst string, mode fs.FileMode) error {
	switch strategy {
	case domain.StrategyClone:
		if err := cloneFile(src, dst, mode); err != nil {
			return err
		}
		p.stats.Cloned++
	case domain.StrategyHardlink:
		if err := os.Link(src, dst); err != nil {
			return err
		}
		p.stats.Hardlinked++
	default:
		if err := copyFile(src, dst, mode); err != nil {
			return err
		}
		p.stats.Copied++
	}
	return nil
}

// unsupported reports whether err means the filesystem cannot do the operation at all.
func unsupported(err error) bool {
	return errors.Is(err, errCloneUnsupported) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EMLINK)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	//nolint:gosec // src is inside a store entry
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	//nolint:gosec // dst is inside a staging directory
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, domain.PrivateFilePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
