package rank

import (
	"strings"
	"unicode"
)

// NormalizeName strips whitespace and every non-letter, non-digit rune, then
// lowercases. Hangul and other scripts count as letters.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// SameName reports whether two display names are equal after normalization.
// Empty names never match. There is no fuzzy or substring matching: chain
// branches differ only by suffix and must stay distinct.
func SameName(a, b string) bool {
	na := NormalizeName(a)
	return na != "" && na == NormalizeName(b)
}
