package domain

import "go.trai.ch/zerr"

// Error kinds. Every specific error below wraps exactly one kind so callers can
// branch on either with errors.Is.
var (
	// ErrResolution is the kind for failures while building the install plan.
	ErrResolution = zerr.New("resolution failed")

	// ErrIntegrity is the kind for content that does not match its expected digest.
	ErrIntegrity = zerr.New("integrity check failed")

	// ErrMaterialization is the kind for failures while building a cellar entry.
	ErrMaterialization = zerr.New("materialization failed")

	// ErrLinkConflict is the kind for prefix paths owned by another package.
	ErrLinkConflict = zerr.New("link conflict")

	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = zerr.New("timed out waiting for lock")
)

var (
	// ErrPackageNotFound is returned when the registry has no package with the requested name.
	ErrPackageNotFound = zerr.Wrap(ErrResolution, "package not found")

	// ErrNoCompatibleBottle is returned when no bottle matches this platform and no source build is possible.
	ErrNoCompatibleBottle = zerr.Wrap(ErrResolution, "no compatible bottle")

	// ErrDependencyCycle is returned when the dependency graph contains a cycle.
	ErrDependencyCycle = zerr.Wrap(ErrResolution, "dependency cycle detected")

	// ErrDependencyUnresolved is returned for packages whose dependencies could not be resolved.
	ErrDependencyUnresolved = zerr.Wrap(ErrResolution, "dependency could not be resolved")

	// ErrRegistryUnavailable is returned when the package registry cannot be reached.
	ErrRegistryUnavailable = zerr.Wrap(ErrResolution, "registry unavailable")

	// ErrInvalidPackageName is returned for empty or malformed package names.
	ErrInvalidPackageName = zerr.Wrap(ErrResolution, "invalid package name")

	// ErrDigestMismatch is returned when downloaded or imported bytes hash to an unexpected digest.
	ErrDigestMismatch = zerr.Wrap(ErrIntegrity, "digest mismatch")

	// ErrInvalidDigest is returned when a string is not a lowercase hex sha256 digest.
	ErrInvalidDigest = zerr.Wrap(ErrIntegrity, "invalid digest")

	// ErrUnsafeArchivePath is returned for archive entries that would escape the destination.
	ErrUnsafeArchivePath = zerr.Wrap(ErrIntegrity, "unsafe path in archive")

	// ErrUnsupportedArchive is returned when the archive format is not recognized.
	ErrUnsupportedArchive = zerr.Wrap(ErrIntegrity, "unsupported archive format")

	// ErrRelocationOverflow is returned when a placeholder replacement does not fit a binary string.
	ErrRelocationOverflow = zerr.Wrap(ErrMaterialization, "replacement longer than placeholder string")

	// ErrNoMaterializeStrategy is returned when every placement strategy failed for a file.
	ErrNoMaterializeStrategy = zerr.Wrap(ErrMaterialization, "no placement strategy succeeded")
)

var (
	// ErrStoreEntryNotFound is returned when a store key has no entry on disk.
	ErrStoreEntryNotFound = zerr.New("store entry not found")

	// ErrDownloadFailed is returned when a bottle could not be downloaded from any source.
	ErrDownloadFailed = zerr.New("download failed")

	// ErrNotInstalled is returned when uninstalling or inspecting a package without an install record.
	ErrNotInstalled = zerr.New("package is not installed")

	// ErrHasDependents is returned when uninstalling a package other installed packages depend on.
	ErrHasDependents = zerr.New("package is required by installed packages")

	// ErrDependencyFailed is reported for packages skipped because a dependency failed.
	ErrDependencyFailed = zerr.New("dependency failed")

	// ErrSourceBuildUnavailable is returned when a source build is needed but no build command is configured.
	ErrSourceBuildUnavailable = zerr.New("source builds are not configured")

	// ErrBuildFailed is returned when the build command exits unsuccessfully.
	ErrBuildFailed = zerr.New("source build failed")

	// ErrIndexOpenFailed is returned when the metadata index cannot be opened.
	ErrIndexOpenFailed = zerr.New("failed to open metadata index")

	// ErrSchemaTooNew is returned when a database was written by a newer zb.
	ErrSchemaTooNew = zerr.New("database schema is newer than this zb")

	// ErrIndexQueryFailed is returned when reading from the metadata index fails.
	ErrIndexQueryFailed = zerr.New("failed to query metadata index")

	// ErrIndexWriteFailed is returned when a metadata index transaction fails.
	ErrIndexWriteFailed = zerr.New("failed to write metadata index")

	// ErrConfigReadFailed is returned when the config file cannot be read.
	ErrConfigReadFailed = zerr.New("failed to read config file")

	// ErrConfigParseFailed is returned when the config file cannot be parsed.
	ErrConfigParseFailed = zerr.New("failed to parse config file")

	// ErrConfigInvalid is returned when the configuration fails validation.
	ErrConfigInvalid = zerr.New("invalid configuration")

	// ErrNoPackagesSpecified is returned when a command needs at least one package name.
	ErrNoPackagesSpecified = zerr.New("no packages specified")

	// ErrInstallFailed is returned when at least one requested package failed to install.
	ErrInstallFailed = zerr.New("install failed")

	// ErrUninstallFailed is returned when at least one package failed to uninstall.
	ErrUninstallFailed = zerr.New("uninstall failed")
)
