// internal/errors/types.go
package errors

import (
	"fmt"
	"time"
)

// Kind is the failure taxonomy every error is mapped to.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindRateLimit    Kind = "rate-limit"
	KindAccessDenied Kind = "access-denied"
	KindSelector     Kind = "selector-failure"
	KindProxy        Kind = "proxy-error"
	KindNavigator    Kind = "navigator-error"
	KindParsing      Kind = "parsing-error"
	KindUnknown      Kind = "unknown"
)

// Kinds lists every kind in classification order, unknown last.
var Kinds = []Kind{
	KindNetwork, KindTimeout, KindRateLimit, KindAccessDenied,
	KindSelector, KindProxy, KindNavigator, KindParsing, KindUnknown,
}

// Severity determines the retry ceiling of an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf returns the fixed severity of a kind.
func SeverityOf(k Kind) Severity {
	switch k {
	case KindAccessDenied:
		return SeverityCritical
	case KindRateLimit:
		return SeverityHigh
	case KindSelector, KindParsing:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ErrorContext is one classified failure. It is created per failure and
// discarded after recovery; only aggregates are persisted.
type ErrorContext struct {
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Site       string            `json:"site"`
	URL        string            `json:"url"`
	Operation  string            `json:"operation"`
	RetryCount int               `json:"retry_count"`
	SessionID  string            `json:"session_id,omitempty"`
	ProxyID    string            `json:"proxy_id,omitempty"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ExtractionError carries a classified failure as a Go error.
type ExtractionError struct {
	Kind     Kind
	Severity Severity
	Site     string
	URL      string
	Message  string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s (%s) on %s: %s", e.Kind, e.Severity, e.Site, e.Message)
}

// FromContext wraps an ErrorContext as an error.
func FromContext(ec ErrorContext) *ExtractionError {
	return &ExtractionError{
		Kind:     ec.Kind,
		Severity: ec.Severity,
		Site:     ec.Site,
		URL:      ec.URL,
		Message:  ec.Message,
	}
}
