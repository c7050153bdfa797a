package cas

import (
	"fmt"

	"github.com/k11v/buildworker/internal/digest"
)

// Key identifies one cache entry. It is derived deterministically from
// (digest, is_executable) so content shared between an executable and a
// non-executable file occupies two distinct entries.
type Key string

func newKey(d digest.Digest, isExecutable bool) Key {
	suffix := "f"
	if isExecutable {
		suffix = "x"
	}
	return Key(fmt.Sprintf("%s_%d_%s", d.Hash, d.SizeBytes, suffix))
}

// shard returns the two-character directory prefix (one directory
// level) used to keep the cache root from holding one entry per file
// directly.
func (k Key) shard() string {
	s := string(k)
	if len(s) < 2 {
		return "xx"
	}
	return s[:2]
}
