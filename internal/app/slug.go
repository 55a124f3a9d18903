package app

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxSlugLen keeps the derived namespace within the 63-character DNS label
// limit after the "store-" prefix is added.
const maxSlugLen = 53

// Slugify derives a DNS-safe identifier from a display name:
// lowercase, accents stripped, runs of non-alphanumerics collapsed to a
// single hyphen, leading/trailing hyphens trimmed, length-capped.
// e.g. "My Awesome Store!" -> "my-awesome-store". Pure and idempotent.
func Slugify(name string) string {
	// NFD decomposition separates base letters from combining marks,
	// so accented characters reduce to their ASCII base.
	decomposed := norm.NFD.String(strings.ToLower(name))

	var b strings.Builder
	pendingHyphen := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark, dropped
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		default:
			pendingHyphen = true
		}
	}

	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}
