// internal/selector/pattern.go
package selector

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/valpere/crawlguard/internal/errors"
)

// PatternType records how a selector was obtained.
type PatternType string

const (
	PatternStatic    PatternType = "static"
	PatternHeuristic PatternType = "heuristic"
	PatternDerived   PatternType = "derived"
	PatternFallback  PatternType = "fallback"
)

// FallbackSelector is the pseudo-selector fallback results are recorded under.
const FallbackSelector = "fallback:text"

// Pattern is a learned selector for one field of one site. The triple
// (Selector, Site, Field) identifies it.
type Pattern struct {
	Selector    string      `json:"selector"`
	Field       string      `json:"field"`
	Site        string      `json:"site"`
	SuccessRate float64     `json:"success_rate"`
	UsageCount  int         `json:"usage_count"`
	LastUsed    time.Time   `json:"last_used"`
	Type        PatternType `json:"pattern_type"`
	Confidence  float64     `json:"confidence"`
	Quality     float64     `json:"quality"`
	ContextHash string      `json:"context_hash,omitempty"`
	Created     time.Time   `json:"created"`
}

// Key returns the identity of the pattern.
func (p Pattern) Key() string {
	return p.Site + "\x00" + p.Field + "\x00" + p.Selector
}

// ContextHash fingerprints the page a pattern was learned on.
func ContextHash(html string) string {
	sum := md5.Sum([]byte(html))
	return hex.EncodeToString(sum[:])[:16]
}

// FieldPerformance aggregates the patterns of one site and field.
type FieldPerformance struct {
	Site       string  `json:"site"`
	Field      string  `json:"field"`
	AvgSuccess float64 `json:"avg_success"`
	Patterns   int     `json:"patterns"`
}

// Summary describes the store as a whole.
type Summary struct {
	TotalPatterns      int                `json:"total_patterns"`
	SuccessfulPatterns int                `json:"successful_patterns"`
	Fields             []FieldPerformance `json:"fields"`
}

// Result is the outcome of extracting one field.
type Result struct {
	Success     bool          `json:"success"`
	Value       string        `json:"value,omitempty"`
	Selector    string        `json:"selector,omitempty"`
	PatternType PatternType   `json:"pattern_type,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Quality     float64       `json:"quality"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   errors.Kind   `json:"error_kind,omitempty"`
}
