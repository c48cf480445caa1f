// Package shell runs external commands inside a pseudo terminal.
package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creack/pty"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

// Runner implements ports.CommandRunner with os/exec and a pty, so build
// tools that check for a terminal keep their usual output.
type Runner struct{}

// NewRunner creates a new Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run starts c, copies its combined output to out and waits for it to exit.
// The process sees exactly c.Env.
func (r *Runner) Run(ctx context.Context, c domain.Command, out io.Writer) error {
	if len(c.Args) == 0 {
		return zerr.New("empty command")
	}
	name := c.Args[0]

	executable := name
	if !filepath.IsAbs(name) {
		if lp, err := lookPath(name, c.Env); err == nil {
			executable = lp
		}
	}

	cmd := exec.CommandContext(ctx, executable, c.Args[1:]...) //nolint:gosec // configured build command
	cmd.Args[0] = name
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to start command"), "command", name)
	}

	ioDone := make(chan struct{})
	go func() {
		defer close(ioDone)
		defer func() { _ = ptmx.Close() }()
		// Reading the pty fails with EIO once the child exits; that is the normal end.
		_, _ = io.Copy(out, ptmx)
	}()

	waitErr := cmd.Wait()
	<-ioDone

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return zerr.With(zerr.With(zerr.Wrap(waitErr, "command failed"), "command", name), "exit_code", exitCode)
	}
	return nil
}

// lookPath searches for an executable in the PATH of env rather than the
// PATH of the current process.
func lookPath(file string, env []string) (string, error) {
	var path string
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			path = v
		}
	}
	if path == "" {
		return "", exec.ErrNotFound
	}

	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, file)
		if err := findExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func findExecutable(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); !m.IsDir() && m&0o111 != 0 {
		return nil
	}
	return os.ErrPermission
}
