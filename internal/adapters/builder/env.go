package builder

import (
	"context"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
)

// inheritedEnvVars are the only variables passed through from the calling
// process, so builds do not depend on the user's shell setup.
var inheritedEnvVars = []string{"HOME", "LANG", "PATH", "TERM", "TMPDIR", "USER"}

// Env is everything a build may use: the layout, its own install
// directory, the opt paths of its dependencies, and a way to run commands.
type Env struct {
	layout     domain.Layout
	pkg        *domain.Package
	deps       map[string]string
	installDir string
	workDir    string
	sourceDir  string
	runner     ports.CommandRunner
	out        io.Writer
	system     []string
}

// Prefix returns the install prefix.
func (e *Env) Prefix() string { return e.layout.Prefix }

// Cellar returns the Cellar directory.
func (e *Env) Cellar() string { return e.layout.CellarDir() }

// KegPath returns where the package will live once installed.
func (e *Env) KegPath() string { return e.layout.KegPath(e.pkg.Name, e.pkg.Version) }

// InstallDir returns the directory the build must install into.
func (e *Env) InstallDir() string { return e.installDir }

// WorkDir returns the scratch directory of the build.
func (e *Env) WorkDir() string { return e.workDir }

// Dir returns the directory build commands run in: the unpacked source
// root when the package has a source archive, the work directory otherwise.
func (e *Env) Dir() string {
	if e.sourceDir != "" {
		return e.sourceDir
	}
	return e.workDir
}

// OptPath returns the opt path of dep. Dependencies not declared by the
// package resolve to the opt path layout would give them.
func (e *Env) OptPath(dep string) string {
	if p, ok := e.deps[dep]; ok {
		return p
	}
	return e.layout.OptPath(dep)
}

// Environ returns the sorted environment of build commands.
func (e *Env) Environ() []string {
	env := make(map[string]string)
	for _, kv := range e.system {
		k, v, ok := strings.Cut(kv, "=")
		if ok && slices.Contains(inheritedEnvVars, k) {
			env[k] = v
		}
	}

	var bins, pkgconfig, includes, libs []string
	for _, dep := range slices.Sorted(maps.Keys(e.deps)) {
		opt := e.deps[dep]
		bins = append(bins, filepath.Join(opt, "bin"))
		pkgconfig = append(pkgconfig, filepath.Join(opt, "lib", "pkgconfig"))
		includes = append(includes, "-I"+filepath.Join(opt, "include"))
		libs = append(libs, "-L"+filepath.Join(opt, "lib"))
	}
	bins = append(bins, filepath.Join(e.layout.Prefix, "bin"))
	pkgconfig = append(pkgconfig, filepath.Join(e.layout.Prefix, "lib", "pkgconfig"))
	includes = append(includes, "-I"+filepath.Join(e.layout.Prefix, "include"))
	libs = append(libs, "-L"+filepath.Join(e.layout.Prefix, "lib"))

	sep := string(os.PathListSeparator)
	path := strings.Join(bins, sep)
	if sys := env["PATH"]; sys != "" {
		path += sep + sys
	}
	env["PATH"] = path
	env["PKG_CONFIG_PATH"] = strings.Join(pkgconfig, sep)
	env["CFLAGS"] = strings.Join(includes, " ")
	env["CPPFLAGS"] = env["CFLAGS"]
	env["LDFLAGS"] = strings.Join(libs, " ")
	env["MAKEFLAGS"] = "-j" + strconv.Itoa(runtime.NumCPU())

	env["HOMEBREW_PREFIX"] = e.layout.Prefix
	env["HOMEBREW_CELLAR"] = e.layout.CellarDir()
	env["ZB_PREFIX"] = e.layout.Prefix
	env["ZB_CELLAR"] = e.layout.CellarDir()
	env["ZB_KEG"] = e.KegPath()
	env["ZB_INSTALL_DIR"] = e.installDir
	env["ZB_WORK_DIR"] = e.workDir
	if e.sourceDir != "" {
		env["ZB_SOURCE_DIR"] = e.sourceDir
	}
	env["ZB_PACKAGE"] = e.pkg.Name
	env["ZB_VERSION"] = e.pkg.Version
	if src := e.pkg.Source; src != nil {
		env["ZB_SOURCE_URL"] = src.URL
		env["ZB_SOURCE_SHA256"] = src.Checksum
		env["ZB_RECIPE"] = src.Recipe
	}

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Run runs argv in Dir with Environ.
func (e *Env) Run(ctx context.Context, argv ...string) error {
	return e.runner.Run(ctx, domain.Command{Args: argv, Env: e.Environ(), Dir: e.Dir()}, e.out)
}
