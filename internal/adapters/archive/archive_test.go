package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"go.trai.ch/zb/internal/adapters/archive"
	"go.trai.ch/zb/internal/core/domain"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     mode,
			Linkname: e.linkname,
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(data, nil)
}

var testTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

var bottleEntries = []entry{
	{name: "wget/", typeflag: tar.TypeDir, mode: 0o755},
	{name: "wget/1.0/", typeflag: tar.TypeDir, mode: 0o755},
	{name: "wget/1.0/bin/wget", typeflag: tar.TypeReg, body: "#!/bin/sh\necho wget\n", mode: 0o755},
	{name: "wget/1.0/share/doc/README", typeflag: tar.TypeReg, body: "readme"},
	{name: "wget/1.0/bin/wget2", typeflag: tar.TypeLink, linkname: "wget/1.0/bin/wget"},
	{name: "wget/1.0/bin/w", typeflag: tar.TypeSymlink, linkname: "wget"},
}

func TestDetect(t *testing.T) {
	plain := buildTar(t, bottleEntries)
	tests := []struct {
		name   string
		header []byte
		want   archive.Format
	}{
		{name: "gzip", header: gzipped(t, plain), want: archive.FormatGzip},
		{name: "zstd", header: zstded(t, plain), want: archive.FormatZstd},
		{name: "tar", header: plain, want: archive.FormatTar},
		{name: "xz", header: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x01}, want: archive.FormatXz},
		{name: "zip", header: []byte("PK\x03\x04rest"), want: archive.FormatZip},
		{name: "garbage", header: []byte("hello world"), want: archive.FormatUnknown},
		{name: "empty", header: nil, want: archive.FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, archive.Detect(tt.header))
		})
	}
}

func TestExtract_Formats(t *testing.T) {
	plain := buildTar(t, bottleEntries)
	for name, data := range map[string][]byte{
		"tar":  plain,
		"gzip": gzipped(t, plain),
		"zstd": zstded(t, plain),
	} {
		t.Run(name, func(t *testing.T) {
			dest := t.TempDir()
			require.NoError(t, archive.Extract(context.Background(), bytes.NewReader(data), dest))

			got, err := os.ReadFile(filepath.Join(dest, "wget", "1.0", "bin", "wget"))
			require.NoError(t, err)
			assert.Equal(t, "#!/bin/sh\necho wget\n", string(got))

			info, err := os.Stat(filepath.Join(dest, "wget", "1.0", "bin", "wget"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

			doc, err := os.Stat(filepath.Join(dest, "wget", "1.0", "share", "doc", "README"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o644), doc.Mode().Perm())

			hard, err := os.Stat(filepath.Join(dest, "wget", "1.0", "bin", "wget2"))
			require.NoError(t, err)
			assert.True(t, os.SameFile(info, hard))

			target, err := os.Readlink(filepath.Join(dest, "wget", "1.0", "bin", "w"))
			require.NoError(t, err)
			assert.Equal(t, "wget", target)
		})
	}
}

func TestExtract_RejectsUnsafePaths(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{name: "parent traversal", entries: []entry{{name: "../evil", typeflag: tar.TypeReg, body: "x"}}},
		{name: "nested traversal", entries: []entry{{name: "a/../../evil", typeflag: tar.TypeReg, body: "x"}}},
		{name: "absolute", entries: []entry{{name: "/tmp/evil", typeflag: tar.TypeReg, body: "x"}}},
		{name: "escaping symlink", entries: []entry{{name: "a/link", typeflag: tar.TypeSymlink, linkname: "../../etc"}}},
		{name: "absolute symlink", entries: []entry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}}},
		{name: "escaping hardlink", entries: []entry{{name: "link", typeflag: tar.TypeLink, linkname: "../outside"}}},
		{name: "symlink chain", entries: []entry{
			{name: "l1", typeflag: tar.TypeSymlink, linkname: "."},
			{name: "l1/l2", typeflag: tar.TypeSymlink, linkname: ".."},
			{name: "l2/evil", typeflag: tar.TypeReg, body: "x"},
		}},
		{name: "write through escaping link", entries: []entry{
			{name: "a", typeflag: tar.TypeDir, mode: 0o755},
			{name: "a/b", typeflag: tar.TypeSymlink, linkname: "."},
			{name: "up", typeflag: tar.TypeSymlink, linkname: "a/b/.."},
			{name: "top", typeflag: tar.TypeSymlink, linkname: "up/.."},
			{name: "top/evil", typeflag: tar.TypeReg, body: "x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "dest")
			require.NoError(t, os.Mkdir(dest, domain.DirPerm))

			err := archive.Extract(context.Background(), bytes.NewReader(buildTar(t, tt.entries)), dest)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrUnsafeArchivePath))
			assert.True(t, errors.Is(err, domain.ErrIntegrity))

			_, statErr := os.Lstat(filepath.Join(filepath.Dir(dest), "evil"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtract_FollowsLinksInsideRoot(t *testing.T) {
	data := buildTar(t, []entry{
		{name: "share/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "doc", typeflag: tar.TypeSymlink, linkname: "share"},
		{name: "doc/README", typeflag: tar.TypeReg, body: "readme"},
	})
	dest := t.TempDir()

	require.NoError(t, archive.Extract(context.Background(), bytes.NewReader(data), dest))

	got, err := os.ReadFile(filepath.Join(dest, "share", "README"))
	require.NoError(t, err)
	assert.Equal(t, "readme", string(got))
}

func TestExtract_Xz(t *testing.T) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write(buildTar(t, bottleEntries))
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	require.Equal(t, archive.FormatXz, archive.Detect(buf.Bytes()))

	dest := t.TempDir()
	require.NoError(t, archive.Extract(context.Background(), &buf, dest))

	got, err := os.ReadFile(filepath.Join(dest, "wget", "1.0", "bin", "wget"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho wget\n", string(got))
}

func buildZip(t *testing.T, files map[string]string, links map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(0o755)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	for name, target := range links {
		hdr := &zip.FileHeader{Name: name}
		hdr.SetMode(os.ModeSymlink | 0o777)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(target))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_Zip(t *testing.T) {
	data := buildZip(t,
		map[string]string{"src-1.0/configure": "#!/bin/sh\n"},
		map[string]string{"src-1.0/conf": "configure"},
	)
	require.Equal(t, archive.FormatZip, archive.Detect(data))

	dest := t.TempDir()
	require.NoError(t, archive.Extract(context.Background(), bytes.NewReader(data), dest))

	info, err := os.Stat(filepath.Join(dest, "src-1.0", "configure"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	link, err := os.Readlink(filepath.Join(dest, "src-1.0", "conf"))
	require.NoError(t, err)
	assert.Equal(t, "configure", link)
}

func TestExtract_ZipRejectsUnsafePaths(t *testing.T) {
	for name, data := range map[string][]byte{
		"traversal": buildZip(t, map[string]string{"../evil": "x"}, nil),
		"symlink":   buildZip(t, nil, map[string]string{"link": "../../etc"}),
	} {
		t.Run(name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "dest")
			require.NoError(t, os.Mkdir(dest, domain.DirPerm))

			err := archive.Extract(context.Background(), bytes.NewReader(data), dest)
			assert.ErrorIs(t, err, domain.ErrUnsafeArchivePath)
			_, statErr := os.Lstat(filepath.Join(filepath.Dir(dest), "evil"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtract_Unsupported(t *testing.T) {
	err := archive.Extract(context.Background(), bytes.NewReader([]byte("not an archive")), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedArchive))
}

func TestExtract_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := archive.Extract(ctx, bytes.NewReader(buildTar(t, bottleEntries)), t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPack_DeterministicRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), domain.DirPerm))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("binary"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("docs"), domain.FilePerm))
	require.NoError(t, os.Symlink("tool", filepath.Join(src, "bin", "t")))

	var first, second bytes.Buffer
	require.NoError(t, archive.Pack(context.Background(), &first, src))

	// Touching mtimes must not change the output.
	require.NoError(t, os.Chtimes(filepath.Join(src, "README"), testTime, testTime))
	require.NoError(t, archive.Pack(context.Background(), &second, src))
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Equal(t, archive.FormatZstd, archive.Detect(first.Bytes()))

	dest := t.TempDir()
	require.NoError(t, archive.Extract(context.Background(), &first, dest))

	got, err := os.ReadFile(filepath.Join(dest, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))
	info, err := os.Stat(filepath.Join(dest, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	link, err := os.Readlink(filepath.Join(dest, "bin", "t"))
	require.NoError(t, err)
	assert.Equal(t, "tool", link)
}
