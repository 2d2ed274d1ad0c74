// Package slug turns project names into URL-safe public identifiers.
package slug

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxBaseLen = 48

// Make lowercases s, strips diacritics and collapses everything that is not a letter or digit into
// single hyphens. It returns "project" when nothing usable remains.
func Make(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			hyphen = false
		case b.Len() > 0 && !hyphen:
			b.WriteByte('-')
			hyphen = true
		}
		if b.Len() >= maxBaseLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxBaseLen {
		out = strings.Trim(out[:maxBaseLen], "-")
	}
	if out == "" {
		return "project"
	}
	return out
}

// WithSuffix appends a random 6-hex suffix to the slug of s, for retry on collision.
func WithSuffix(s string) string {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Make(s)
	}
	return Make(s) + "-" + hex.EncodeToString(buf[:])
}
