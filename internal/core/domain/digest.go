package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"go.trai.ch/zerr"
)

// DigestLength is the length of a hex encoded sha256 digest.
const DigestLength = sha256.Size * 2

// Digest is a lowercase hex sha256 digest. It names store entries verbatim.
type Digest string

// ParseDigest validates s and returns it as a Digest.
// An optional "sha256:" prefix is accepted.
func ParseDigest(s string) (Digest, error) {
	if len(s) == DigestLength+len("sha256:") && s[:len("sha256:")] == "sha256:" {
		s = s[len("sha256:"):]
	}
	if len(s) != DigestLength {
		return "", zerr.With(zerr.Wrap(ErrInvalidDigest, "wrong length"), "digest", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", zerr.With(zerr.Wrap(ErrInvalidDigest, "not lowercase hex"), "digest", s)
		}
	}
	return Digest(s), nil
}

// NewHasher returns the hash function digests are computed with.
func NewHasher() hash.Hash {
	return sha256.New()
}

// DigestOf returns the digest of the bytes written to h so far.
func DigestOf(h hash.Hash) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// String returns the digest as a string.
func (d Digest) String() string {
	return string(d)
}

// Short returns an abbreviated form for display.
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// IsZero reports whether the digest is empty.
func (d Digest) IsZero() bool {
	return d == ""
}
