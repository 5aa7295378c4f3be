// internal/proxy/checker.go
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeSite is the pseudo-site under which active probe outcomes are
// recorded, so probe failures never block a real site.
const ProbeSite = "_probe"

// DefaultProbeURL is used when none is configured.
const DefaultProbeURL = "https://httpbin.org/ip"

// ProbeConfig controls periodic active health checks.
type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	URL      string        `yaml:"url,omitempty" json:"url,omitempty"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultProbeConfig returns default probe configuration
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Enabled:  false,
		URL:      DefaultProbeURL,
		Interval: 5 * time.Minute,
		Timeout:  15 * time.Second,
	}
}

// Checker probes every proxy through a known URL and feeds the result to
// the health monitor.
type Checker struct {
	config  ProbeConfig
	monitor *HealthMonitor

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewChecker creates a checker. Zero values fall back to defaults.
func NewChecker(config ProbeConfig, monitor *HealthMonitor) *Checker {
	defaults := DefaultProbeConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Checker{
		config:   config,
		monitor:  monitor,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Check probes a single proxy and records the outcome.
func (c *Checker) Check(ctx context.Context, p Proxy) error {
	proxyURL, err := p.URL()
	if err != nil {
		return err
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   c.config.Timeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	if err != nil {
		_ = c.monitor.RecordOutcome(p.ID(), ProbeSite, false, latency, 0)
		return fmt.Errorf("proxy health check failed: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	_ = c.monitor.RecordOutcome(p.ID(), ProbeSite, ok, latency, resp.StatusCode)
	if !ok {
		return fmt.Errorf("proxy health check returned status %d", resp.StatusCode)
	}
	return nil
}

// CheckAll probes every proxy concurrently.
func (c *Checker) CheckAll(ctx context.Context) map[string]error {
	proxies := c.monitor.Proxies()
	results := make(map[string]error, len(proxies))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range proxies {
		wg.Add(1)
		go func(p Proxy) {
			defer wg.Done()
			err := c.Check(ctx, p)
			mu.Lock()
			results[p.ID()] = err
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	healthLogger.Infof("probed %d proxies, %d failed", len(results), failed)
	return results
}

// Start runs CheckAll on the configured interval until Stop.
func (c *Checker) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Interval)
				c.CheckAll(ctx)
				cancel()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.started.Load() {
			<-c.done
		}
	})
}
