//go:build !linux && !darwin

package materializer

import "io/fs"

func cloneFile(_, _ string, _ fs.FileMode) error {
	return errCloneUnsupported
}
