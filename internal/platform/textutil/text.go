package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// Fold trims value and applies Unicode case folding for case-insensitive comparisons.
func Fold(value string) string {
	// cases.Caser keeps state between calls, so each call builds its own.
	return cases.Fold().String(strings.TrimSpace(value))
}

// PlainText strips markup from user supplied free text, collapses surrounding whitespace
// and truncates the result to limit runes (limit <= 0 disables truncation).
func PlainText(value string, limit int) string {
	cleaned := plainTextPolicy.Sanitize(value)
	// StrictPolicy escapes entities; free text is stored unescaped and escaped on render.
	cleaned = strings.TrimSpace(html.UnescapeString(cleaned))
	if limit > 0 {
		runes := []rune(cleaned)
		if len(runes) > limit {
			cleaned = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return cleaned
}
