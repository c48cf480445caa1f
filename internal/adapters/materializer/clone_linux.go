//go:build linux

package materializer

import (
	"io/fs"
	"os"

	"go.trai.ch/zb/internal/core/domain"
	"golang.org/x/sys/unix"
)

// cloneFile creates dst as a copy-on-write clone of src with FICLONE.
func cloneFile(src, dst string, mode fs.FileMode) error {
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
	cloneErr := unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	closeErr := out.Close()
	if cloneErr != nil {
		return cloneErr
	}
	if closeErr != nil {
		return closeErr
	}
	return os.Chmod(dst, mode)
}
