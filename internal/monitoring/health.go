// internal/monitoring/health.go
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/session"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck is a named probe. Critical checks make the whole system
// unhealthy when they fail; the rest only degrade it.
type HealthCheck struct {
	Name      string
	Critical  bool
	Timeout   time.Duration
	CheckFunc func(ctx context.Context) HealthCheckResult
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Critical bool                   `json:"critical"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents overall system health information
type SystemHealth struct {
	Status     HealthStatus        `json:"status"`
	Timestamp  time.Time           `json:"timestamp"`
	Version    string              `json:"version,omitempty"`
	Uptime     string              `json:"uptime"`
	Goroutines int                 `json:"goroutines"`
	Checks     []HealthCheckResult `json:"checks"`
}

// HealthManager runs registered checks on demand.
type HealthManager struct {
	version string
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthManager{
		version: version,
		timeout: timeout,
		started: time.Now(),
		checks:  make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds or replaces a check.
func (hm *HealthManager) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = hm.timeout
	}
	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Check runs every check concurrently and folds the results.
func (hm *HealthManager) Check(ctx context.Context) SystemHealth {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthCheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c *HealthCheck) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	overall := HealthStatusHealthy
	for _, r := range results {
		switch r.Status {
		case HealthStatusHealthy:
		case HealthStatusUnhealthy:
			if r.Critical {
				overall = HealthStatusUnhealthy
			} else if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		default:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	return SystemHealth{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Version:    hm.version,
		Uptime:     time.Since(hm.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Checks:     results,
	}
}

func runCheck(ctx context.Context, c *HealthCheck) HealthCheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var r HealthCheckResult
	if c.CheckFunc != nil {
		r = c.CheckFunc(checkCtx)
	} else {
		r = HealthCheckResult{Status: HealthStatusUnknown, Message: "no check function defined"}
	}
	r.Name = c.Name
	r.Critical = c.Critical
	r.Duration = time.Since(start)
	return r
}

// HealthHandler serves Check as JSON, 503 when unhealthy.
func (hm *HealthManager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(health)
	}
}

// DatabaseHealthCheck wraps a ping function.
func DatabaseHealthCheck(name string, ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			if err := ping(ctx); err != nil {
				return HealthCheckResult{
					Status:  HealthStatusUnhealthy,
					Message: "database connection failed",
					Error:   err.Error(),
				}
			}
			return HealthCheckResult{Status: HealthStatusHealthy, Message: "database connection successful"}
		},
	}
}

// ProxyPoolHealthCheck reports how many proxies score above floor. No
// healthy proxy degrades the system; an empty pool means direct sessions
// and is healthy.
func ProxyPoolHealthCheck(monitor *proxy.HealthMonitor, floor float64) *HealthCheck {
	return &HealthCheck{
		Name: "proxy_pool",
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			report := monitor.Report()
			healthy := 0
			for _, m := range report {
				if m.HealthScore >= floor {
					healthy++
				}
			}
			meta := map[string]interface{}{"total": len(report), "healthy": healthy}
			switch {
			case len(report) == 0:
				return HealthCheckResult{Status: HealthStatusHealthy, Message: "no proxies configured", Metadata: meta}
			case healthy == 0:
				return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "no proxy above the health floor", Metadata: meta}
			case healthy < len(report):
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("%d of %d proxies healthy", healthy, len(report)),
					Metadata: meta,
				}
			}
			return HealthCheckResult{Status: HealthStatusHealthy, Message: "all proxies healthy", Metadata: meta}
		},
	}
}

// SessionPoolHealthCheck reports the session pool statistics and degrades
// when most live sessions are unhealthy.
func SessionPoolHealthCheck(manager *session.Manager) *HealthCheck {
	return &HealthCheck{
		Name: "sessions",
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			stats := manager.Stats()
			meta := map[string]interface{}{
				"total":            stats.Total,
				"healthy":          stats.Healthy,
				"in_use":           stats.InUse,
				"avg_success_rate": stats.AvgSuccessRate,
			}
			if stats.Total > 0 && stats.Unhealthy*2 > stats.Total {
				return HealthCheckResult{Status: HealthStatusDegraded, Message: "most sessions unhealthy", Metadata: meta}
			}
			return HealthCheckResult{Status: HealthStatusHealthy, Metadata: meta}
		},
	}
}
