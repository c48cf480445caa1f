package domain_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/core/domain"
)

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestParseDigest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    domain.Digest
		wantErr bool
	}{
		{name: "plain", input: testDigest, want: domain.Digest(testDigest)},
		{name: "prefixed", input: "sha256:" + testDigest, want: domain.Digest(testDigest)},
		{name: "uppercase", input: strings.ToUpper(testDigest), wantErr: true},
		{name: "short", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "non hex", input: strings.Repeat("g", 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.ParseDigest(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrInvalidDigest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDigestOf(t *testing.T) {
	h := domain.NewHasher()
	_, _ = h.Write([]byte("test"))
	assert.Equal(t, domain.Digest(testDigest), domain.DigestOf(h))
	assert.Equal(t, "9f86d081884c", domain.DigestOf(h).Short())
}

func TestVersion_Compare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2", "1.2.0", 0},
		{"1.2.3_1", "1.2.3", 1},
		{"1.2.3_1", "1.2.3_2", -1},
		{"3.4.1", "3.4.1.1", -1},
		{"2024a", "2024b", -1},
		{"1.0.0", "1.0.0-beta", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := domain.ParseVersion(tt.a).Compare(domain.ParseVersion(tt.b))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeName(t *testing.T) {
	got, err := domain.NormalizeName("  Wget ")
	require.NoError(t, err)
	assert.Equal(t, "wget", got)

	got, err = domain.NormalizeName("python@3.12")
	require.NoError(t, err)
	assert.Equal(t, "python@3.12", got)

	for _, bad := range []string{"", "   ", "../etc", "/abs", "a b"} {
		_, err := domain.NormalizeName(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, domain.ErrInvalidPackageName), bad)
	}
}

func TestToken(t *testing.T) {
	assert.Equal(t, "wget", domain.Token("wget"))
	assert.Equal(t, "tool", domain.Token("user/tap/tool"))
	assert.True(t, domain.IsVersionedName("openssl@3"))
	assert.False(t, domain.IsVersionedName("openssl"))
}

func TestLayoutPaths(t *testing.T) {
	l := domain.Layout{Root: "/zb", Prefix: "/zb/prefix"}
	key := domain.Digest(testDigest)

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{name: "StorePath", got: l.StorePath(key), expected: filepath.Join("/zb", "store", testDigest)},
		{name: "DBPath", got: l.DBPath(), expected: filepath.Join("/zb", "db", "zb.sqlite3")},
		{name: "BlobCacheDir", got: l.BlobCacheDir(), expected: filepath.Join("/zb", "cache", "blobs")},
		{name: "APICachePath", got: l.APICachePath(), expected: filepath.Join("/zb", "cache", "api.sqlite3")},
		{name: "LocksDir", got: l.LocksDir(), expected: filepath.Join("/zb", "locks")},
		{name: "KegPath", got: l.KegPath("user/tap/tool", "1.0"), expected: filepath.Join("/zb/prefix", "Cellar", "tool", "1.0")},
		{name: "OptPath", got: l.OptPath("wget"), expected: filepath.Join("/zb/prefix", "opt", "wget")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}

func TestBottleTags(t *testing.T) {
	assert.Equal(t, []string{"x86_64_linux", "all"}, domain.BottleTags("linux", "amd64"))
	assert.Equal(t, []string{"arm64_linux", "all"}, domain.BottleTags("linux", "arm64"))
	assert.Equal(t,
		[]string{"arm64_tahoe", "arm64_sequoia", "arm64_sonoma", "arm64_ventura", "all"},
		domain.BottleTags("darwin", "arm64"))
	assert.Equal(t, []string{"tahoe", "sequoia", "sonoma", "ventura", "all"}, domain.BottleTags("darwin", "amd64"))
	assert.Equal(t, []string{"all"}, domain.BottleTags("plan9", "386"))
}

func TestLockRequest_Normalized(t *testing.T) {
	req := domain.LockRequest{
		Root:  domain.LockShared,
		Keys:  []domain.Digest{"bb", "aa", "bb", ""},
		Names: []string{"zlib", "curl", "zlib"},
	}
	got := req.Normalized()
	assert.Equal(t, domain.LockShared, got.Root)
	assert.Equal(t, []domain.Digest{"aa", "bb"}, got.Keys)
	assert.Equal(t, []string{"curl", "zlib"}, got.Names)
	assert.Equal(t, []domain.Digest{"bb", "aa", "bb", ""}, req.Keys, "input is not modified")
}

func TestSummary(t *testing.T) {
	var s domain.Summary
	boom := errors.New("boom")
	s.Add(domain.Result{Name: "a", Status: domain.StatusInstalled})
	s.Add(domain.Result{Name: "b", Status: domain.StatusFailed, Err: boom})
	s.Add(domain.Result{Name: "c", Status: domain.StatusSkipped, Err: domain.ErrDependencyFailed})

	assert.Equal(t, 1, s.Count(domain.StatusInstalled))
	assert.Len(t, s.Failed(), 2)
	assert.True(t, errors.Is(s.Err(), boom))
	assert.True(t, errors.Is(s.Err(), domain.ErrDependencyFailed))

	r, ok := s.Result("b")
	require.True(t, ok)
	assert.Equal(t, "failed", r.Status.String())

	var empty domain.Summary
	assert.NoError(t, empty.Err())
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(domain.ErrPackageNotFound, domain.ErrResolution))
	assert.True(t, errors.Is(domain.ErrDigestMismatch, domain.ErrIntegrity))
	assert.True(t, errors.Is(domain.ErrRelocationOverflow, domain.ErrMaterialization))
	assert.False(t, errors.Is(domain.ErrPackageNotFound, domain.ErrIntegrity))
}
