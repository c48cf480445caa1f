package domain

import (
	"slices"
	"strings"
)

// LockMode is how the store root lock is held.
type LockMode int

const (
	// LockNone does not take the root lock.
	LockNone LockMode = iota
	// LockShared allows other shared holders, used by install and uninstall.
	LockShared
	// LockExclusive excludes every other holder, used by garbage collection.
	LockExclusive
)

// LockRequest names every lock one operation needs. Locks are taken in a
// fixed order (root, then store keys, then package names) so concurrent
// requests never deadlock.
type LockRequest struct {
	Root  LockMode
	Keys  []Digest
	Names []string
}

// Normalized returns a copy with sorted, deduplicated keys and names.
func (r LockRequest) Normalized() LockRequest {
	keys := slices.Clone(r.Keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	keys = slices.DeleteFunc(keys, func(k Digest) bool { return k.IsZero() })

	names := slices.Clone(r.Names)
	slices.SortFunc(names, strings.Compare)
	names = slices.Compact(names)

	return LockRequest{Root: r.Root, Keys: keys, Names: names}
}
