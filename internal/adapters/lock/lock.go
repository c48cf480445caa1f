// Package lock implements cross-process locking over the zb root with flock(2).
package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

const (
	rootLockName   = "root.lock"
	pollInterval   = 10 * time.Millisecond
	maxPollBackoff = 250 * time.Millisecond
)

// Locker implements ports.Locker with one lock file per resource under dir.
type Locker struct {
	dir     string
	timeout time.Duration

	once   sync.Once
	dirErr error
}

// New creates a Locker keeping its lock files in dir. Acquire gives up after timeout.
func New(dir string, timeout time.Duration) *Locker {
	return &Locker{dir: dir, timeout: timeout}
}

// Acquire takes the root lock, then key locks, then name locks, each group
// in sorted order. On failure every lock already taken is released.
func (l *Locker) Acquire(ctx context.Context, req domain.LockRequest) (ports.Unlock, error) {
	l.once.Do(func() {
		l.dirErr = os.MkdirAll(l.dir, domain.DirPerm)
	})
	if l.dirErr != nil {
		return nil, zerr.With(zerr.Wrap(l.dirErr, "failed to create lock directory"), "path", l.dir)
	}

	req = req.Normalized()
	deadline := time.Now().Add(l.timeout)

	type target struct {
		name string
		how  int
	}
	targets := make([]target, 0, 1+len(req.Keys)+len(req.Names))
	switch req.Root {
	case domain.LockShared:
		targets = append(targets, target{rootLockName, unix.LOCK_SH})
	case domain.LockExclusive:
		targets = append(targets, target{rootLockName, unix.LOCK_EX})
	}
	for _, key := range req.Keys {
		targets = append(targets, target{KeyLockName(key), unix.LOCK_EX})
	}
	for _, name := range req.Names {
		targets = append(targets, target{NameLockName(name), unix.LOCK_EX})
	}

	held := make([]*os.File, 0, len(targets))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = unix.Flock(int(held[i].Fd()), unix.LOCK_UN)
			_ = held[i].Close()
		}
		held = nil
	}

	for _, t := range targets {
		f, err := l.lock(ctx, filepath.Join(l.dir, t.name), t.how, deadline)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, f)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Locker) lock(ctx context.Context, path string, how int, deadline time.Time) (*os.File, error) {
	//nolint:gosec // path is built from sanitized lock names
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, domain.FilePerm)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open lock file"), "path", path)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInterval
	b.MaxInterval = maxPollBackoff
	b.MaxElapsedTime = time.Until(deadline)
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = time.Nanosecond
	}

	err = backoff.Retry(func() error {
		ferr := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if ferr == nil || errors.Is(ferr, unix.EWOULDBLOCK) {
			return ferr
		}
		if errors.Is(ferr, unix.EINTR) {
			return ferr
		}
		return backoff.Permanent(ferr)
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return f, nil
	}
	_ = f.Close()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return nil, zerr.With(zerr.With(zerr.Wrap(domain.ErrLockTimeout, "lock is held by another operation"),
			"lock", filepath.Base(path)), "timeout", l.timeout.String())
	}
	return nil, zerr.With(zerr.Wrap(err, "failed to lock"), "path", path)
}

// KeyLockName returns the lock file name guarding one store key.
func KeyLockName(key domain.Digest) string {
	return "key-" + key.String() + ".lock"
}

// NameLockName returns the lock file name guarding one package name. The
// hash keeps names distinct after sanitizing.
func NameLockName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return "pkg-" + b.String() + "-" + strconv.FormatUint(xxhash.Sum64String(name), 16) + ".lock"
}
