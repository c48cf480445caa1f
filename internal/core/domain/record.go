package domain

import (
	"slices"
	"time"
)

// InstallRecord is the persisted state of one installed package.
// A record exists exactly when its package's links exist, except for packages
// installed without linking.
type InstallRecord struct {
	Name         string
	Version      string
	StoreKey     Digest
	Dependencies []string
	InstalledAt  time.Time
	KegOnly      bool
	Linked       bool
	LinkedFiles  []string
}

// DependsOn reports whether the record lists name as a direct dependency.
func (r *InstallRecord) DependsOn(name string) bool {
	return slices.Contains(r.Dependencies, name)
}

// StoreEntry is a verified, unpacked archive in the blob store.
type StoreEntry struct {
	Key  Digest
	Path string
}

// CellarEntry is the materialized file tree of one package version.
type CellarEntry struct {
	Name    string
	Version string
	Path    string
	// Created is false when the entry already existed before materialization.
	Created bool
	Stats   MaterializeStats
}

// MaterializeStats counts how files of a cellar entry were placed.
type MaterializeStats struct {
	Cloned     int
	Hardlinked int
	Copied     int
	Relocated  int
}

// Link is one symlink placed in the prefix.
type Link struct {
	// Path is the absolute path of the symlink.
	Path string
	// Target is the file the symlink resolves to.
	Target string
}

// LinkSet is every prefix link that resolves into one cellar entry.
type LinkSet struct {
	Name  string
	Links []Link
	// Opt is the opt link path, empty if it was not created.
	Opt string
}

// Paths returns the link paths in order.
func (s LinkSet) Paths() []string {
	paths := make([]string, len(s.Links))
	for i, l := range s.Links {
		paths[i] = l.Path
	}
	return paths
}

// LinkOptions controls how a cellar entry is projected into the prefix.
type LinkOptions struct {
	// KegOnly restricts linking to the opt link.
	KegOnly bool
}

// GCReport describes the result of a garbage collection run.
type GCReport struct {
	Removed    []Digest
	Retained   int
	OrphanKegs []CellarEntry
	DryRun     bool
}
