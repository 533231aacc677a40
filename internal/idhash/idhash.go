// Package idhash computes stable digests used as idempotency keys: the
// PolicyGate's errorHash and the SpellEngine's healing-key component.
package idhash

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// maxNormalizedBytes bounds the prefix of normalized text that is hashed,
// per spec.md §9: "bounded to a few kilobytes" — the exact bound is an
// implementation choice so long as it is deterministic.
const maxNormalizedBytes = 4096

// ErrorHash returns a stable hex digest of a whitespace-normalized prefix
// of raw error output, for use as the PolicyGate/SpellEngine idempotency
// key component.
func ErrorHash(raw string) string {
	return Digest(normalize(raw))
}

// Digest returns the hex-encoded blake3 digest of s.
func Digest(s string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize collapses runs of whitespace to single spaces, trims, and
// truncates to maxNormalizedBytes so that cosmetic differences (trailing
// newlines, repeated blank lines) between two runs of the same failure
// hash identically.
func normalize(raw string) string {
	fields := strings.Fields(raw)
	s := strings.Join(fields, " ")
	if len(s) > maxNormalizedBytes {
		s = s[:maxNormalizedBytes]
	}
	return s
}
