package lock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/adapters/lock"
	"go.trai.ch/zb/internal/core/domain"
)

func TestLocker_ExclusiveRootBlocksShared(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := lock.New(dir, 100*time.Millisecond)
	b := lock.New(dir, 100*time.Millisecond)

	unlock, err := a.Acquire(ctx, domain.LockRequest{Root: domain.LockExclusive})
	require.NoError(t, err)

	_, err = b.Acquire(ctx, domain.LockRequest{Root: domain.LockShared})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockTimeout))

	unlock()
	unlock2, err := b.Acquire(ctx, domain.LockRequest{Root: domain.LockShared})
	require.NoError(t, err)
	unlock2()
}

func TestLocker_SharedRootIsShared(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := lock.New(dir, 100*time.Millisecond)

	u1, err := l.Acquire(ctx, domain.LockRequest{Root: domain.LockShared, Names: []string{"wget"}})
	require.NoError(t, err)
	defer u1()

	u2, err := l.Acquire(ctx, domain.LockRequest{Root: domain.LockShared, Names: []string{"curl"}})
	require.NoError(t, err)
	defer u2()

	_, err = l.Acquire(ctx, domain.LockRequest{Root: domain.LockShared, Names: []string{"wget"}})
	assert.True(t, errors.Is(err, domain.ErrLockTimeout))
}

func TestLocker_FailureReleasesPartialLocks(t *testing.T) {
	ctx := context.Background()
	l := lock.New(t.TempDir(), 50*time.Millisecond)

	held, err := l.Acquire(ctx, domain.LockRequest{Keys: []domain.Digest{"bb"}})
	require.NoError(t, err)

	// "aa" is taken before "bb" blocks.
	_, err = l.Acquire(ctx, domain.LockRequest{Keys: []domain.Digest{"bb", "aa"}})
	require.Error(t, err)

	other, err := l.Acquire(ctx, domain.LockRequest{Keys: []domain.Digest{"aa"}})
	require.NoError(t, err, "aa was released after the failed acquire")
	other()
	held()
}

func TestLocker_ContextCancel(t *testing.T) {
	dir := t.TempDir()
	l := lock.New(dir, time.Minute)

	unlock, err := l.Acquire(context.Background(), domain.LockRequest{Root: domain.LockExclusive})
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, domain.LockRequest{Root: domain.LockExclusive})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLocker_UnlockIsIdempotent(t *testing.T) {
	l := lock.New(t.TempDir(), 50*time.Millisecond)
	unlock, err := l.Acquire(context.Background(), domain.LockRequest{Root: domain.LockExclusive})
	require.NoError(t, err)
	unlock()
	assert.NotPanics(t, assert.PanicTestFunc(unlock))
}

func TestLocker_CreatesLockFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	l := lock.New(dir, 50*time.Millisecond)

	unlock, err := l.Acquire(context.Background(), domain.LockRequest{
		Root:  domain.LockShared,
		Keys:  []domain.Digest{"abc"},
		Names: []string{"user/tap/tool"},
	})
	require.NoError(t, err)
	defer unlock()

	for _, name := range []string{"root.lock", lock.KeyLockName("abc"), lock.NameLockName("user/tap/tool")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestNameLockName(t *testing.T) {
	a := lock.NameLockName("user/tap/tool")
	b := lock.NameLockName("user_tap_tool")
	assert.NotEqual(t, a, b, "sanitized names stay distinct")
	assert.Regexp(t, `^pkg-user_tap_tool-[0-9a-f]+\.lock$`, a)
	assert.Equal(t, "key-abc.lock", lock.KeyLockName("abc"))
}
