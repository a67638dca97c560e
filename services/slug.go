package services

import (
	"regexp"
	"strings"
)

var (
	slugSeparators = regexp.MustCompile(`[\s,]+`)
	slugStrip      = regexp.MustCompile(`[^a-z0-9_-]+`)
	slugDanish     = strings.NewReplacer("æ", "ae", "ø", "oe", "å", "aa")
)

// Slugify turns a display address like "Præstøvej 12, 3. th, 4700 Næstved"
// into a URL-safe slug: lowercased, whitespace and commas collapsed to
// hyphens, Danish letters transliterated, everything else dropped.
func Slugify(displayName string) string {
	s := strings.ToLower(displayName)
	s = slugSeparators.ReplaceAllString(s, "-")
	s = slugDanish.Replace(s)
	return slugStrip.ReplaceAllString(s, "")
}
