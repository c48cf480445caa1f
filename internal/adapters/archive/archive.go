// Package archive extracts bottle archives and packs build output into
// deterministic archives.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

// Format is an archive container format.
type Format int

const (
	// FormatUnknown is any format that is not recognized.
	FormatUnknown Format = iota
	// FormatTar is an uncompressed tarball.
	FormatTar
	// FormatGzip is a gzip-compressed tarball.
	FormatGzip
	// FormatZstd is a zstd-compressed tarball.
	FormatZstd
	// FormatXz is an xz-compressed tarball.
	FormatXz
	// FormatZip is a zip archive.
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatXz:
		return "xz"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// sniffLen covers the ustar magic at offset 257.
const sniffLen = 512

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZip   = []byte{'P', 'K', 0x03, 0x04}
	magicUstar = []byte("ustar")
)

// Detect identifies the format from the first bytes of an archive.
func Detect(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(header, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(header, magicXz):
		return FormatXz
	case bytes.HasPrefix(header, magicZip):
		return FormatZip
	case len(header) >= 257+len(magicUstar) && bytes.Equal(header[257:257+len(magicUstar)], magicUstar):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Extract unpacks the archive read from r into dest, which must exist.
// Entries that would land outside dest are rejected with ErrUnsafeArchivePath.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	br := bufio.NewReaderSize(r, sniffLen)
	header, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return zerr.Wrap(err, "failed to read archive header")
	}

	x, err := newExtractor(dest)
	if err != nil {
		return err
	}

	format := Detect(header)
	var tr *tar.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return zerr.Wrap(err, "failed to open gzip stream")
		}
		defer func() { _ = gz.Close() }()
		tr = tar.NewReader(gz)
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return zerr.Wrap(err, "failed to open zstd stream")
		}
		defer zr.Close()
		tr = tar.NewReader(zr)
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return zerr.Wrap(err, "failed to open xz stream")
		}
		tr = tar.NewReader(xr)
	case FormatTar:
		tr = tar.NewReader(br)
	case FormatZip:
		return x.extractZip(ctx, br)
	default:
		return zerr.With(zerr.Wrap(domain.ErrUnsupportedArchive, "cannot extract archive"), "format", format.String())
	}

	return x.extractTar(ctx, tr)
}

type dirMode struct {
	path string
	mode os.FileMode
}

// extractor writes entries below root. Every parent directory is resolved on
// disk before an entry is written, so links created by earlier entries cannot
// redirect later ones outside root.
type extractor struct {
	root string
	dirs []dirMode
}

func newExtractor(dest string) (*extractor, error) {
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to resolve destination"), "path", dest)
	}
	return &extractor{root: root}, nil
}

func (x *extractor) extractTar(ctx context.Context, tr *tar.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		// Insecure names are rejected by resolve with a typed error.
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return zerr.Wrap(err, "failed to read archive entry")
		}

		mode := hdr.FileInfo().Mode().Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = x.dir(hdr.Name, mode)
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // TypeRegA appears in old bottles
			err = x.file(hdr.Name, tr, mode)
		case tar.TypeSymlink:
			err = x.symlink(hdr.Name, hdr.Linkname)
		case tar.TypeLink:
			err = x.hardlink(hdr.Name, hdr.Linkname)
		default:
			// Devices, fifos and global headers carry nothing a keg needs.
		}
		if err != nil {
			return err
		}
	}
	return x.finish()
}

// extractZip spools the stream to a temporary file because the zip directory sits at
// the end of the archive.
func (x *extractor) extractZip(ctx context.Context, r io.Reader) error {
	spool, err := os.CreateTemp("", "zb-zip-*")
	if err != nil {
		return zerr.Wrap(err, "failed to create spool file")
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	size, err := io.Copy(spool, r)
	if err != nil {
		return zerr.Wrap(err, "failed to spool zip archive")
	}

	zr, err := zip.NewReader(spool, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return zerr.Wrap(err, "failed to open zip archive")
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.zipEntry(f); err != nil {
			return err
		}
	}
	return x.finish()
}

func (x *extractor) zipEntry(f *zip.File) error {
	mode := f.Mode()
	if mode.IsDir() {
		return x.dir(f.Name, mode.Perm())
	}
	if !mode.IsRegular() && mode&os.ModeSymlink == 0 {
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open zip entry"), "path", f.Name)
	}
	defer func() { _ = rc.Close() }()

	if mode&os.ModeSymlink != 0 {
		target, err := io.ReadAll(io.LimitReader(rc, maxLinkLen))
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to read zip symlink"), "path", f.Name)
		}
		return x.symlink(f.Name, string(target))
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	return x.file(f.Name, rc, perm)
}

// maxLinkLen bounds symlink targets stored as zip entry data.
const maxLinkLen = 4096

// finish restores directory modes last so read-only directories can still be filled.
func (x *extractor) finish() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(x.dirs[i].path, x.dirs[i].mode|0o700); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to set directory mode"), "path", x.dirs[i].path)
		}
	}
	return nil
}

func (x *extractor) dir(name string, mode os.FileMode) error {
	target, rel, err := x.resolve(name)
	if err != nil || rel == "." {
		return err
	}
	if err := os.MkdirAll(target, domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", rel)
	}
	x.dirs = append(x.dirs, dirMode{path: target, mode: mode})
	return nil
}

func (x *extractor) file(name string, r io.Reader, mode os.FileMode) error {
	target, rel, err := x.resolve(name)
	if err != nil || rel == "." {
		return err
	}
	if err := writeFile(r, target, mode); err != nil {
		return zerr.With(err, "path", rel)
	}
	return nil
}

func (x *extractor) symlink(name, linkname string) error {
	target, rel, err := x.resolve(name)
	if err != nil || rel == "." {
		return err
	}
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return symlinkError(rel, linkname)
	}
	if !x.contains(filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))) {
		return symlinkError(rel, linkname)
	}
	if err := replaceWith(target, func() error { return os.Symlink(linkname, target) }); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create symlink"), "path", rel)
	}

	// A target that walks through other links can still leave root once
	// the link exists on disk.
	if resolved, err := filepath.EvalSymlinks(target); err == nil && !x.contains(resolved) {
		_ = os.Remove(target)
		return symlinkError(rel, linkname)
	}
	return nil
}

func (x *extractor) hardlink(name, linkname string) error {
	target, rel, err := x.resolve(name)
	if err != nil || rel == "." {
		return err
	}
	oldname, _, err := x.resolve(linkname)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(oldname); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if resolved, err := filepath.EvalSymlinks(oldname); err != nil || !x.contains(resolved) {
			return zerr.With(zerr.Wrap(domain.ErrUnsafeArchivePath, "hard link points outside the archive root"), "path", rel)
		}
	}
	if err := replaceWith(target, func() error { return os.Link(oldname, target) }); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create hard link"), "path", rel)
	}
	return nil
}

// resolve maps an archive path to its location on disk. Parent directories
// that already exist are followed through symlinks and must stay inside root.
// The last component is not followed.
func (x *extractor) resolve(name string) (target, rel string, err error) {
	rel, err = safeRelPath(name)
	if err != nil || rel == "." {
		return "", rel, err
	}

	parts := strings.Split(rel, "/")
	cur := x.root
	for i, part := range parts[:len(parts)-1] {
		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, os.ErrNotExist) {
			cur = filepath.Join(append([]string{cur}, parts[i:len(parts)-1]...)...)
			break
		}
		if err != nil {
			return "", rel, zerr.With(zerr.Wrap(err, "failed to inspect parent directory"), "path", rel)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(next)
			if err != nil || !x.contains(resolved) {
				return "", rel, zerr.With(zerr.Wrap(domain.ErrUnsafeArchivePath, "entry path leaves the archive root"), "path", rel)
			}
			next = resolved
		}
		cur = next
	}
	return filepath.Join(cur, parts[len(parts)-1]), rel, nil
}

func (x *extractor) contains(p string) bool {
	r, err := filepath.Rel(x.root, p)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

func writeFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), domain.DirPerm); err != nil {
		return zerr.Wrap(err, "failed to create parent directory")
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	//nolint:gosec // target is validated against the destination
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return zerr.Wrap(err, "failed to create file")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return zerr.Wrap(err, "failed to write file")
	}
	if err := f.Close(); err != nil {
		return zerr.Wrap(err, "failed to close file")
	}
	if err := os.Chmod(target, mode); err != nil {
		return zerr.Wrap(err, "failed to set file mode")
	}
	return nil
}

func replaceWith(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), domain.DirPerm); err != nil {
		return err
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	return create()
}

// removeExisting clears a non-directory left by an earlier entry with the same name.
func removeExisting(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return zerr.Wrap(os.ErrExist, "a directory is in the way")
	}
	return os.Remove(target)
}

// safeRelPath cleans an archive path and rejects absolute paths and any ".." component.
func safeRelPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", zerr.With(zerr.Wrap(domain.ErrUnsafeArchivePath, "entry path is absolute"), "path", name)
	}
	if slices.Contains(strings.Split(strings.ReplaceAll(name, "\\", "/"), "/"), "..") {
		return "", zerr.With(zerr.Wrap(domain.ErrUnsafeArchivePath, "entry path leaves the archive root"), "path", name)
	}
	return path.Clean(name), nil
}

func symlinkError(rel, linkname string) error {
	err := zerr.Wrap(domain.ErrUnsafeArchivePath, "symlink points outside the archive root")
	return zerr.With(zerr.With(err, "path", rel), "link", linkname)
}
