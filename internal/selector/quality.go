// internal/selector/quality.go
package selector

import (
	"strings"
	"unicode/utf8"
)

// Quality scores extracted text in [0, 1].
func Quality(text, selector string) float64 {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	score := 0.0

	if n > 2 {
		score += 0.3
	}
	if n >= 5 && n <= 500 {
		score += 0.2
	}

	if strings.Contains(selector, "#") {
		score += 0.2
	} else if strings.Contains(selector, ".") {
		score += 0.1
	}

	if n > 0 {
		score += 0.2
	}
	if !strings.ContainsAny(text, "<>{}") {
		score += 0.1
	}

	return min(score, 1.0)
}
