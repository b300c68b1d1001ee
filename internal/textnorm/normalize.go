/*
Package textnorm implements the single normalization rule shared by
the request guard (dedup) and response cache (exact + fuzzy lookup):
lowercase, strip anything that isn't a word character or whitespace,
collapse whitespace runs to one space, trim.
*/
package textnorm

import "strings"

// Normalize matches spec.md's Normalize(text) = lowercase(text) with
// /[^\w\s]/ removed and whitespace runs collapsed to a single space,
// trimmed.
func Normalize(text string) string {
	lower := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lower))
	prevSpace := false
	for _, r := range lower {
		switch {
		case isWordRune(r):
			b.WriteRune(r)
			prevSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !prevSpace {
				b.WriteRune(' ')
				prevSpace = true
			}
		default:
			// punctuation: dropped, not replaced with a space
		}
	}
	return strings.TrimSpace(b.String())
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r > 127
}
