// Package digest implements content identity for the worker's data model.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Digest is the stable identity of a blob: its content hash and size.
// Two Digests are equal iff their Hash and SizeBytes are equal.
type Digest struct {
	Hash      string
	SizeBytes int64
}

// Empty is the digest of zero-length content.
var Empty = FromBytes(nil)

// FromBytes computes the Digest of b.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}
}

// FromReader computes the Digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, fmt.Errorf("digest.FromReader: %w", err)
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: n}, nil
}

// String returns "hash/size", the conventional REAPI-style rendering.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// IsEmpty reports whether d is the zero value, as opposed to the digest
// of empty content (which has a non-empty Hash).
func (d Digest) IsEmpty() bool {
	return d == Digest{}
}

// Parse parses the "hash/size" form produced by String.
func Parse(s string) (Digest, error) {
	hash, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("digest.Parse: %q is missing the /size suffix", s)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("digest.Parse: %q: %w", s, err)
	}
	return Digest{Hash: hash, SizeBytes: size}, nil
}
