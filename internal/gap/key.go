package gap

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize canonicalizes a query pattern: lowercase, punctuation stripped,
// whitespace collapsed. Paraphrases that differ only in casing or punctuation
// map to the same pattern.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Key derives the canonical gap identifier from a query. It is a content
// hash, so the same pattern always yields the same key across processes and
// restarts.
func Key(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return "gap_" + hex.EncodeToString(sum[:])
}
