// Package textnorm canonicalizes raw answer text so that two answers a human
// would consider the same wording compare equal.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Decompose, drop combining marks, recompose. "café" and "cafe" fold together.
var diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, folds diacritics to ASCII, strips punctuation and
// collapses whitespace. Pure and idempotent; empty input maps to "".
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToLower(text)
	if folded, _, err := transform.String(diacriticFold, text); err == nil {
		text = folded
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
