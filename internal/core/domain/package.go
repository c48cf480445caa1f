package domain

import (
	"strings"

	"go.trai.ch/zerr"
)

// Package describes one installable package version as published by the registry.
// A Package is immutable once fetched for a resolution run.
type Package struct {
	// Name is the normalized package name.
	Name string
	// Version is the effective version, including any "_revision" suffix.
	Version string
	// Dependencies are the direct runtime dependencies, in registry order.
	Dependencies []string
	// Bottle is the prebuilt archive for this platform, nil if none exists.
	Bottle *Bottle
	// Source describes how to build from source, nil if unavailable.
	Source *Source
	// KegOnly packages are only reachable through opt/<name>.
	KegOnly bool
}

// Bottle is a prebuilt archive for one platform.
type Bottle struct {
	URL    string
	Digest Digest
	Tag    string
}

// Source describes the upstream source of a package.
type Source struct {
	URL      string
	Checksum string
	Recipe   string
}

// Token returns the on-disk directory name of the package.
func (p *Package) Token() string {
	return Token(p.Name)
}

// NormalizeName trims and lowercases a requested package name.
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", ErrInvalidPackageName
	}
	if strings.ContainsAny(n, " \t\n\\") || strings.Contains(n, "..") ||
		strings.HasPrefix(n, "/") || strings.HasSuffix(n, "/") {
		return "", zerr.With(zerr.Wrap(ErrInvalidPackageName, "malformed name"), "name", name)
	}
	return n, nil
}

// IsVersionedName reports whether name pins a major version, as in "python@3.12".
func IsVersionedName(name string) bool {
	return strings.Contains(Token(name), "@")
}
