package domain

import (
	"strconv"
	"strings"
)

// Version is a package version. Versions of the form major.minor.patch (with
// an optional "_revision" suffix) compare numerically; anything else falls
// back to string comparison.
type Version struct {
	raw      string
	parts    []int
	revision int
	numeric  bool
}

// ParseVersion parses a version string. It never fails; unparsable versions
// are kept verbatim and compared as strings.
func ParseVersion(s string) Version {
	v := Version{raw: s}

	base := s
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		rev, err := strconv.Atoi(s[i+1:])
		if err == nil && rev >= 0 {
			base = s[:i]
			v.revision = rev
		}
	}

	fields := strings.Split(base, ".")
	if len(fields) == 0 || len(fields) > 4 {
		return v
	}
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return v
		}
		parts = append(parts, n)
	}
	for len(parts) < 3 {
		parts = append(parts, 0)
	}
	v.parts = parts
	v.numeric = true
	return v
}

// String returns the version as originally written.
func (v Version) String() string {
	return v.raw
}

// IsZero reports whether the version is empty.
func (v Version) IsZero() bool {
	return v.raw == ""
}

// Compare returns -1, 0 or 1 when v is lower than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	if !v.numeric || !o.numeric {
		return strings.Compare(v.raw, o.raw)
	}
	n := max(len(v.parts), len(o.parts))
	for i := range n {
		a, b := at(v.parts, i), at(o.parts, i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	switch {
	case v.revision < o.revision:
		return -1
	case v.revision > o.revision:
		return 1
	}
	return 0
}

func at(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}
