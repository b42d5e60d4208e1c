// Package fingerprint computes the content hash used to deduplicate UI snapshots
// and to reference them from step records.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a hash in hex characters.
const Size = sha256.Size * 2

// Hash is a lowercase hex SHA-256 digest of a snapshot's raw text.
type Hash string

// Of returns the fingerprint of content. It is pure and deterministic.
func Of(content string) Hash {
	sum := sha256.Sum256([]byte(content))
	return Hash(hex.EncodeToString(sum[:]))
}

// Short returns the first 12 hex characters, for ids and log lines.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// String implements fmt.Stringer.
func (h Hash) String() string { return string(h) }

// Valid reports whether s has the shape produced by Of. Hashes written by
// older releases (short rolling hashes) are not valid and must be recomputed.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
