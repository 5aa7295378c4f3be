// internal/proxy/types.go
package proxy

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProxyType represents the type of proxy
type ProxyType string

const (
	ProxyTypeHTTP   ProxyType = "http"
	ProxyTypeHTTPS  ProxyType = "https"
	ProxyTypeSOCKS5 ProxyType = "socks5"
)

// DefaultMaxConcurrent is the capacity of a proxy that declares none.
const DefaultMaxConcurrent = 10

var (
	ErrUnknownProxy = errors.New("unknown proxy")
	ErrAtCapacity   = errors.New("proxy at capacity")
	ErrLeaseInUse   = errors.New("lease already allocated to another proxy")
)

// Proxy is one upstream proxy as declared in configuration.
type Proxy struct {
	Server        string    `yaml:"server" json:"server"`
	Username      string    `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string    `yaml:"password,omitempty" json:"-"`
	Type          ProxyType `yaml:"type,omitempty" json:"type,omitempty"`
	Country       string    `yaml:"country,omitempty" json:"country,omitempty"`
	City          string    `yaml:"city,omitempty" json:"city,omitempty"`
	Provider      string    `yaml:"provider,omitempty" json:"provider,omitempty"`
	CostPerGB     float64   `yaml:"cost_per_gb,omitempty" json:"cost_per_gb,omitempty"`
	MonthlyCost   float64   `yaml:"monthly_cost,omitempty" json:"monthly_cost,omitempty"`
	MaxConcurrent int       `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// ID is a stable identifier derived from server and username, so the same
// endpoint with different credentials counts as a different proxy.
func (p Proxy) ID() string {
	sum := md5.Sum([]byte(p.Server + ":" + p.Username))
	return hex.EncodeToString(sum[:])[:12]
}

// Capacity returns the declared concurrent-use ceiling.
func (p Proxy) Capacity() int {
	if p.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return p.MaxConcurrent
}

// URL builds the proxy URL including credentials.
func (p Proxy) URL() (*url.URL, error) {
	server := p.Server
	if !strings.Contains(server, "://") {
		scheme := p.Type
		if scheme == "" {
			scheme = ProxyTypeHTTP
		}
		server = string(scheme) + "://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy server %q: %w", p.Server, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy server %q: missing host", p.Server)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// Validate checks a proxy declaration.
func (p Proxy) Validate() error {
	if p.Server == "" {
		return fmt.Errorf("proxy server cannot be empty")
	}
	switch p.Type {
	case "", ProxyTypeHTTP, ProxyTypeHTTPS, ProxyTypeSOCKS5:
	default:
		return fmt.Errorf("unsupported proxy type: %s", p.Type)
	}
	if p.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent cannot be negative")
	}
	if p.CostPerGB < 0 || p.MonthlyCost < 0 {
		return fmt.Errorf("proxy cost cannot be negative")
	}
	_, err := p.URL()
	return err
}

// HealthWeights are the coefficients of the health score and the site
// bonus used for ranking.
type HealthWeights struct {
	SuccessRatio      float64       `yaml:"success_ratio" json:"success_ratio"`
	Latency           float64       `yaml:"latency" json:"latency"`
	LatencyCeiling    time.Duration `yaml:"latency_ceiling" json:"latency_ceiling"`
	Recency           float64       `yaml:"recency" json:"recency"`
	RecencyWindow     time.Duration `yaml:"recency_window" json:"recency_window"`
	FailurePenalty    float64       `yaml:"failure_penalty" json:"failure_penalty"`
	FailurePenaltyCap float64       `yaml:"failure_penalty_cap" json:"failure_penalty_cap"`
	BlockedPenalty    float64       `yaml:"blocked_penalty" json:"blocked_penalty"`
	SiteBonus         float64       `yaml:"site_bonus" json:"site_bonus"`
	SiteBonusCap      float64       `yaml:"site_bonus_cap" json:"site_bonus_cap"`
	SiteWindow        time.Duration `yaml:"site_window" json:"site_window"`
}

// DefaultHealthWeights returns the stock scoring coefficients.
func DefaultHealthWeights() HealthWeights {
	return HealthWeights{
		SuccessRatio:      0.6,
		Latency:           0.2,
		LatencyCeiling:    10 * time.Second,
		Recency:           0.1,
		RecencyWindow:     24 * time.Hour,
		FailurePenalty:    0.1,
		FailurePenaltyCap: 0.3,
		BlockedPenalty:    0.05,
		SiteBonus:         0.05,
		SiteBonusCap:      0.2,
		SiteWindow:        24 * time.Hour,
	}
}

// PoolConfig defines the proxy pool and its health policy.
type PoolConfig struct {
	Proxies        []Proxy       `yaml:"proxies" json:"proxies"`
	BlockThreshold int           `yaml:"block_threshold" json:"block_threshold"`
	Weights        HealthWeights `yaml:"weights" json:"weights"`
	Probe          ProbeConfig   `yaml:"probe" json:"probe"`
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BlockThreshold: 3,
		Weights:        DefaultHealthWeights(),
		Probe:          DefaultProbeConfig(),
	}
}

// Metrics is a snapshot of one proxy's health record.
type Metrics struct {
	ProxyID             string        `json:"proxy_id"`
	Server              string        `json:"server"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BlockedSites        []string      `json:"blocked_sites"`
	HealthScore         float64       `json:"health_score"`
}

// SuccessRate returns successful/total, or 0 with no history.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// RequestRecord is one reported proxy outcome.
type RequestRecord struct {
	ProxyID    string        `json:"proxy_id"`
	Site       string        `json:"site"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code"`
	Timestamp  time.Time     `json:"timestamp"`
}
