// internal/selector/fallback.go
package selector

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// maxFallbackLen drops lines too long to be a single field value.
const maxFallbackLen = 1000

// fallbackText picks the visible line of the page that mentions the most
// field keywords. It reports false when no line mentions any.
func fallbackText(doc *goquery.Document, field string) (string, bool) {
	vocab := VocabularyFor(field)
	if len(vocab.Fallback) == 0 {
		return "", false
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()

	var lines []string
	body.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(ownText(sel)); t != "" {
			lines = append(lines, t)
		}
	})

	best, bestHits := "", 0
	for _, line := range lines {
		if utf8.RuneCountInString(line) > maxFallbackLen {
			continue
		}
		hits := 0
		for _, kw := range vocab.Fallback {
			if containsKeyword(line, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = line, hits
		}
	}
	return best, bestHits > 0
}
