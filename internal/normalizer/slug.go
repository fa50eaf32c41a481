package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugBase = 80

// Slugify folds accents, lowercases and joins ASCII alphanumeric runs with
// single hyphens. Transformers are stateful, so each call builds its own.
func Slugify(s string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	pendingDash := false
	for _, r := range folded {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// PropertySlug derives a unique slug by suffixing the external id
func PropertySlug(title, externalID string) string {
	return suffixedSlug(title, "property", externalID)
}

// DeveloperSlug is the developer counterpart of PropertySlug. Stubs have no
// name yet and get a placeholder base.
func DeveloperSlug(name, externalID string) string {
	return suffixedSlug(name, "developer", externalID)
}

func suffixedSlug(text, fallback, externalID string) string {
	base := Slugify(text)
	if len(base) > maxSlugBase {
		base = strings.TrimRight(base[:maxSlugBase], "-")
	}
	if base == "" {
		base = fallback
	}
	id := Slugify(externalID)
	if id == "" {
		return base
	}
	return base + "-" + id
}
