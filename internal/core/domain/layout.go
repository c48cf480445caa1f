package domain

import (
	"path/filepath"
	"strings"
)

const (
	// StoreDirName is the name of the content addressable store directory.
	StoreDirName = "store"

	// DBDirName is the name of the metadata index directory.
	DBDirName = "db"

	// DBFileName is the name of the metadata index database file.
	DBFileName = "zb.sqlite3"

	// CacheDirName is the name of the cache directory.
	CacheDirName = "cache"

	// BlobCacheDirName holds verified archives keyed by digest.
	BlobCacheDirName = "blobs"

	// DownloadDirName holds in-flight downloads.
	DownloadDirName = "downloads"

	// BuildDirName holds staging directories for source builds.
	BuildDirName = "build"

	// APICacheFileName is the registry response cache.
	APICacheFileName = "api.sqlite3"

	// LocksDirName is the name of the lock file directory.
	LocksDirName = "locks"

	// CellarDirName is the name of the per-package tree directory under the prefix.
	CellarDirName = "Cellar"

	// OptDirName is the name of the stable per-package link directory under the prefix.
	OptDirName = "opt"

	// DirPerm is the default permission for directories (rwxr-xr-x).
	DirPerm = 0o755

	// FilePerm is the default permission for files (rw-r--r--).
	FilePerm = 0o644

	// PrivateFilePerm is the default permission for private files (rw-------).
	PrivateFilePerm = 0o600
)

// LinkCategories are the prefix directories that receive per-file links.
var LinkCategories = []string{"bin", "sbin", "etc", "include", "lib", "share"}

// Layout describes where the engine keeps its state.
// Root holds engine-private data; Prefix is the user-visible install prefix.
type Layout struct {
	Root   string
	Prefix string
}

// StoreDir returns the content addressable store directory.
func (l Layout) StoreDir() string {
	return filepath.Join(l.Root, StoreDirName)
}

// StorePath returns the directory of a single store entry.
func (l Layout) StorePath(key Digest) string {
	return filepath.Join(l.Root, StoreDirName, key.String())
}

// DBPath returns the metadata index file.
func (l Layout) DBPath() string {
	return filepath.Join(l.Root, DBDirName, DBFileName)
}

// CacheDir returns the cache directory.
func (l Layout) CacheDir() string {
	return filepath.Join(l.Root, CacheDirName)
}

// BlobCacheDir returns the directory of verified downloaded archives.
func (l Layout) BlobCacheDir() string {
	return filepath.Join(l.Root, CacheDirName, BlobCacheDirName)
}

// DownloadDir returns the directory used for partial downloads.
func (l Layout) DownloadDir() string {
	return filepath.Join(l.Root, CacheDirName, DownloadDirName)
}

// BuildDir returns the directory used for source build staging.
func (l Layout) BuildDir() string {
	return filepath.Join(l.Root, CacheDirName, BuildDirName)
}

// APICachePath returns the registry response cache database.
func (l Layout) APICachePath() string {
	return filepath.Join(l.Root, CacheDirName, APICacheFileName)
}

// LocksDir returns the lock file directory.
func (l Layout) LocksDir() string {
	return filepath.Join(l.Root, LocksDirName)
}

// CellarDir returns the Cellar directory under the prefix.
func (l Layout) CellarDir() string {
	return filepath.Join(l.Prefix, CellarDirName)
}

// KegPath returns the cellar entry directory for a package version.
func (l Layout) KegPath(name, version string) string {
	return filepath.Join(l.Prefix, CellarDirName, Token(name), version)
}

// OptDir returns the opt link directory.
func (l Layout) OptDir() string {
	return filepath.Join(l.Prefix, OptDirName)
}

// OptPath returns the opt link of a package.
func (l Layout) OptPath(name string) string {
	return filepath.Join(l.Prefix, OptDirName, Token(name))
}

// Token returns the directory name used for a package on disk.
// Tap-qualified names ("user/tap/name") use their last component.
func Token(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
