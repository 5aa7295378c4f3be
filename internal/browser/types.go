// internal/browser/types.go
package browser

import (
	"context"
	"net/url"
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
)

// Outcome classifies a single navigation attempt.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNetworkError Outcome = "network-error"
)

// Identity is what a session presents to the target site.
type Identity struct {
	SessionID   string
	Site        string
	Fingerprint antidetect.Fingerprint
	// Proxy is nil for direct connections. Credentials travel in Proxy.User.
	Proxy *url.URL
}

// Page is the result of one navigation attempt. Expected failures are
// reported through Outcome, never as a Go error.
type Page struct {
	URL         string        `json:"url"`
	Content     string        `json:"-"`
	Status      int           `json:"status"`
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	Latency     time.Duration `json:"latency"`
	Bytes       int           `json:"bytes"`
}

// OK reports whether the page loaded and passed block detection.
func (p Page) OK() bool {
	return p.Outcome == OutcomeOK
}

// Navigator creates per-session navigation resources.
type Navigator interface {
	// Open creates the underlying resource (HTTP client, browser tab) for a
	// session identity.
	Open(ctx context.Context, id Identity) (Handle, error)
	Name() string
}

// Handle is one session's navigation resource. A handle is used by one task
// at a time.
type Handle interface {
	// Navigate performs exactly one attempt and never retries.
	Navigate(ctx context.Context, target string) Page
	Close() error
}

// Config defines navigator configuration
type Config struct {
	Mode          string        `yaml:"mode" json:"mode"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	Headless      bool          `yaml:"headless" json:"headless"`
	ExecPath      string        `yaml:"exec_path,omitempty" json:"exec_path,omitempty"`
	DisableImages bool          `yaml:"disable_images" json:"disable_images"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	// RequiredMarkers are CSS selectors that must match on a real content
	// page. A page that loads without them is treated as a block page.
	RequiredMarkers []string `yaml:"required_markers,omitempty" json:"required_markers,omitempty"`
}

// DefaultConfig returns default navigator configuration
func DefaultConfig() Config {
	return Config{
		Mode:          "http",
		Timeout:       30 * time.Second,
		Headless:      true,
		DisableImages: true,
		MaxBodyBytes:  5 << 20,
	}
}
