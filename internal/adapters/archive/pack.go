package archive

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.trai.ch/zerr"
)

// Pack writes dir as a zstd-compressed tarball to w. The output depends only
// on file names, contents, modes and symlink targets, so packing the same
// tree twice gives the same bytes.
func Pack(ctx context.Context, w io.Writer, dir string) error {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return zerr.Wrap(err, "failed to create zstd writer")
	}

	tw := tar.NewWriter(zw)
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return packEntry(tw, p, filepath.ToSlash(rel), d)
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return zerr.With(zerr.Wrap(walkErr, "failed to pack directory"), "path", dir)
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return zerr.Wrap(err, "failed to finish tar stream")
	}
	if err := zw.Close(); err != nil {
		return zerr.Wrap(err, "failed to finish zstd stream")
	}
	return nil
}

func packEntry(tw *tar.Writer, p, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    rel,
		Mode:    int64(info.Mode().Perm()),
		ModTime: time.Unix(0, 0).UTC(),
		Format:  tar.FormatPAX,
	}

	switch {
	case info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
	case info.Mode().IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
	default:
		return nil
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	//nolint:gosec // p comes from walking the build output
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(tw, f)
	return err
}
