package materializer

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
)

// placeholderMarker starts every placeholder token.
var placeholderMarker = []byte("@@HOMEBREW_")

// Placeholder tokens written into bottles at build time.
const (
	PlaceholderPrefix     = "@@HOMEBREW_PREFIX@@"
	PlaceholderCellar     = "@@HOMEBREW_CELLAR@@"
	PlaceholderRepository = "@@HOMEBREW_REPOSITORY@@"
	PlaceholderLibrary    = "@@HOMEBREW_LIBRARY@@"
	PlaceholderPerl       = "@@HOMEBREW_PERL@@"
	PlaceholderJava       = "@@HOMEBREW_JAVA@@"
)

type replacement struct {
	old []byte
	new []byte
}

// relocator rewrites placeholder tokens to the paths of one layout.
type relocator struct {
	repl []replacement
}

func newRelocator(layout domain.Layout) *relocator {
	pairs := []struct{ token, value string }{
		{PlaceholderCellar, layout.CellarDir()},
		{PlaceholderPrefix, layout.Prefix},
		{PlaceholderRepository, layout.Prefix},
		{PlaceholderLibrary, filepath.Join(layout.Prefix, "Library")},
		{PlaceholderPerl, "/usr/bin/perl"},
		{PlaceholderJava, filepath.Join(layout.OptPath("openjdk"), "libexec")},
	}
	r := &relocator{repl: make([]replacement, len(pairs))}
	for i, p := range pairs {
		r.repl[i] = replacement{old: []byte(p.token), new: []byte(p.value)}
	}
	return r
}

// relocateFile rewrites the placeholders of the file at path in place.
func (r *relocator) relocateFile(path string, mode fs.FileMode) error {
	//nolint:gosec // path is inside a staging directory
	data, err := os.ReadFile(path)
	if err != nil {
		return materializeError(err, "failed to read file for relocation", path)
	}

	var out []byte
	if bytes.IndexByte(data, 0) >= 0 {
		out, err = r.relocateBinary(data)
		if err != nil {
			return zerr.With(err, "path", path)
		}
	} else {
		out = r.relocateText(data)
	}

	if err := os.Chmod(path, mode|0o200); err != nil {
		return materializeError(err, "failed to make file writable", path)
	}
	if err := os.WriteFile(path, out, mode); err != nil {
		return materializeError(err, "failed to write relocated file", path)
	}
	if err := os.Chmod(path, mode); err != nil {
		return materializeError(err, "failed to set file mode", path)
	}
	return nil
}

func (r *relocator) relocateText(data []byte) []byte {
	for _, rep := range r.repl {
		data = bytes.ReplaceAll(data, rep.old, rep.new)
	}
	return data
}

// relocateBinary rewrites each NUL-terminated string that holds a placeholder.
// The string keeps its length: the rewritten value is padded with NUL bytes,
// and a value that does not fit is an error.
func (r *relocator) relocateBinary(data []byte) ([]byte, error) {
	out := bytes.Clone(data)
	pos := 0
	for {
		i := bytes.Index(out[pos:], placeholderMarker)
		if i < 0 {
			return out, nil
		}
		at := pos + i
		start := bytes.LastIndexByte(out[:at], 0) + 1
		end := at + bytes.IndexByte(out[at:], 0)
		if end < at {
			end = len(out)
		}

		segment := out[start:end]
		rewritten := r.relocateText(bytes.Clone(segment))
		if bytes.Equal(rewritten, segment) {
			pos = at + len(placeholderMarker)
			continue
		}
		if len(rewritten) > len(segment) {
			return nil, zerr.With(zerr.With(
				zerr.Wrap(domain.ErrRelocationOverflow, "cannot relocate binary string"),
				"length", len(segment)), "needed", len(rewritten))
		}
		n := copy(segment, rewritten)
		clear(segment[n:])
		pos = end
	}
}

// hasPlaceholder reports whether the file at path contains a placeholder token.
func hasPlaceholder(path string) (bool, error) {
	//nolint:gosec // path is inside a store entry
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	return containsMarker(f)
}

func containsMarker(r io.Reader) (bool, error) {
	const chunk = 64 * 1024
	overlap := len(placeholderMarker) - 1
	buf := make([]byte, chunk+overlap)
	carry := 0
	for {
		n, err := io.ReadFull(r, buf[carry:])
		window := buf[:carry+n]
		if bytes.Contains(window, placeholderMarker) {
			return true, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		carry = min(overlap, len(window))
		copy(buf, window[len(window)-carry:])
	}
}
