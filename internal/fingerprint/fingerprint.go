// Package fingerprint derives stable operation keys from statement text.
package fingerprint

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Of returns the fingerprint of text: the xxhash64 of its normalized form as
// 16 lowercase hex characters. Normalization trims the text, collapses
// whitespace runs to one space and lowercases everything outside quoted
// literals, so formatting variants of one statement share a fingerprint.
func Of(text string) string {
	sum := xxhash.Sum64String(Normalize(text))
	out := strconv.FormatUint(sum, 16)
	if len(out) < 16 {
		out = strings.Repeat("0", 16-len(out)) + out
	}
	return out
}

// Normalize returns the canonical form hashed by Of.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var quote rune
	pendingSpace := false
	for _, r := range strings.TrimSpace(text) {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		switch r {
		case '\'', '"', '`':
			quote = r
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
