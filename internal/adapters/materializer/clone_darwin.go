//go:build darwin

package materializer

import (
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// cloneFile creates dst as a copy-on-write clone of src with clonefile(2).
func cloneFile(src, dst string, mode fs.FileMode) error {
	if err := unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
