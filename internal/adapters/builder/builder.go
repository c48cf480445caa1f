// Package builder produces package files from source by running the
// configured build command behind a process boundary.
package builder

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.trai.ch/zb/internal/adapters/archive"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/core/ports"
	"go.trai.ch/zerr"
)

// Builder implements ports.Builder.
type Builder struct {
	runner  ports.CommandRunner
	fetcher ports.Fetcher
	layout  domain.Layout
	command []string
	environ func() []string
}

// New creates a Builder that runs command for every source build. Source
// archives are downloaded through fetcher. An empty command disables source
// builds.
func New(runner ports.CommandRunner, fetcher ports.Fetcher, layout domain.Layout, command []string) *Builder {
	return &Builder{runner: runner, fetcher: fetcher, layout: layout, command: command, environ: os.Environ}
}

// Available reports whether a build command is configured.
func (b *Builder) Available() bool {
	return len(b.command) > 0
}

// Build runs the build command for req.Package. The command installs into
// $ZB_INSTALL_DIR; that directory is returned as the staged output.
func (b *Builder) Build(ctx context.Context, req domain.BuildRequest, out io.Writer) (domain.BuildOutput, error) {
	pkg := req.Package
	if !b.Available() {
		return domain.BuildOutput{}, zerr.With(
			zerr.Wrap(domain.ErrSourceBuildUnavailable, "no build command configured"), "package", pkg.Name)
	}

	if err := os.MkdirAll(b.layout.BuildDir(), domain.DirPerm); err != nil {
		return domain.BuildOutput{}, zerr.With(zerr.Wrap(err, "failed to create build directory"), "path", b.layout.BuildDir())
	}
	stage, err := os.MkdirTemp(b.layout.BuildDir(), pkg.Token()+"-"+pkg.Version+"-*")
	if err != nil {
		return domain.BuildOutput{}, zerr.Wrap(err, "failed to create build staging directory")
	}

	env := b.NewEnv(req, stage, out)
	for _, dir := range []string{env.installDir, env.workDir} {
		if err := os.Mkdir(dir, domain.DirPerm); err != nil {
			_ = os.RemoveAll(stage)
			return domain.BuildOutput{}, zerr.With(zerr.Wrap(err, "failed to create build directory"), "path", dir)
		}
	}

	if src := pkg.Source; src != nil && src.URL != "" {
		dir, err := b.unpackSource(ctx, src, env.workDir)
		if err != nil {
			_ = os.RemoveAll(stage)
			return domain.BuildOutput{}, zerr.With(err, "package", pkg.Name)
		}
		env.sourceDir = dir
	}

	if err := env.Run(ctx, b.command...); err != nil {
		_ = os.RemoveAll(stage)
		if ctx.Err() != nil {
			return domain.BuildOutput{}, ctx.Err()
		}
		return domain.BuildOutput{}, zerr.With(zerr.Wrap(domain.ErrBuildFailed, err.Error()), "package", pkg.Name)
	}

	entries, err := os.ReadDir(env.installDir)
	if err != nil || len(entries) == 0 {
		_ = os.RemoveAll(stage)
		return domain.BuildOutput{}, zerr.With(zerr.Wrap(domain.ErrBuildFailed, "build installed no files"), "package", pkg.Name)
	}

	return domain.BuildOutput{StagedDir: env.installDir}, nil
}

// unpackSource extracts the verified source archive of src below workDir and
// returns the source root: the single top-level directory most tarballs
// carry, or the extraction directory itself.
func (b *Builder) unpackSource(ctx context.Context, src *domain.Source, workDir string) (string, error) {
	blob, err := b.fetcher.FetchSource(ctx, src)
	if err != nil {
		return "", err
	}

	//nolint:gosec // blob is inside the blob cache and named by digest
	f, err := os.Open(blob)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to open source archive"), "path", blob)
	}
	defer func() { _ = f.Close() }()

	dir := filepath.Join(workDir, "src")
	if err := os.Mkdir(dir, domain.DirPerm); err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to create source directory"), "path", dir)
	}
	if err := archive.Extract(ctx, f, dir); err != nil {
		return "", zerr.Wrap(err, "failed to unpack source archive")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to read source directory"), "path", dir)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// NewEnv returns the build environment of req rooted at stage.
func (b *Builder) NewEnv(req domain.BuildRequest, stage string, out io.Writer) *Env {
	return &Env{
		layout:     b.layout,
		pkg:        req.Package,
		deps:       req.Dependencies,
		installDir: filepath.Join(stage, "install"),
		workDir:    filepath.Join(stage, "work"),
		runner:     b.runner,
		out:        out,
		system:     b.environ(),
	}
}

// Cleanup removes the staging directory of out.
func (b *Builder) Cleanup(out domain.BuildOutput) error {
	if out.StagedDir == "" {
		return nil
	}
	stage := filepath.Dir(out.StagedDir)
	if err := os.RemoveAll(stage); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove build staging directory"), "path", stage)
	}
	return nil
}
