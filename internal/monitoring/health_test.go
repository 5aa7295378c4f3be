// internal/monitoring/health_test.go
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valpere/crawlguard/internal/proxy"
)

func staticCheck(name string, critical bool, status HealthStatus) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: critical,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			return HealthCheckResult{Status: status}
		},
	}
}

func TestHealthManager_Check(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", []*HealthCheck{staticCheck("a", true, HealthStatusHealthy), staticCheck("b", false, HealthStatusHealthy)}, HealthStatusHealthy},
		{"non-critical failure degrades", []*HealthCheck{staticCheck("a", true, HealthStatusHealthy), staticCheck("b", false, HealthStatusUnhealthy)}, HealthStatusDegraded},
		{"critical failure", []*HealthCheck{staticCheck("a", true, HealthStatusUnhealthy), staticCheck("b", false, HealthStatusDegraded)}, HealthStatusUnhealthy},
		{"unknown degrades", []*HealthCheck{staticCheck("a", false, HealthStatusUnknown)}, HealthStatusDegraded},
		{"missing func", []*HealthCheck{{Name: "empty"}}, HealthStatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("test", time.Second)
			for _, c := range tt.checks {
				hm.RegisterCheck(c)
			}
			h := hm.Check(context.Background())
			if h.Status != tt.want {
				t.Errorf("status = %s, want %s", h.Status, tt.want)
			}
			if len(h.Checks) != len(tt.checks) {
				t.Errorf("got %d results, want %d", len(h.Checks), len(tt.checks))
			}
		})
	}
}

func TestHealthManager_Timeout(t *testing.T) {
	hm := NewHealthManager("test", 20*time.Millisecond)
	hm.RegisterCheck(DatabaseHealthCheck("db", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	h := hm.Check(context.Background())
	if h.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s", h.Status)
	}
	if h.Checks[0].Error == "" {
		t.Error("expected the deadline error to be reported")
	}
}

func TestHealthHandler(t *testing.T) {
	hm := NewHealthManager("1.0.0", time.Second)
	hm.RegisterCheck(DatabaseHealthCheck("db", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec := httptest.NewRecorder()
	hm.HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Errorf("status code = %d, want 503", rec.Code)
	}

	var body SystemHealth
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "1.0.0" || body.Checks[0].Name != "db" {
		t.Errorf("body = %+v", body)
	}
}

func TestProxyPoolHealthCheck(t *testing.T) {
	newMonitor := func(servers ...string) *proxy.HealthMonitor {
		pool := proxy.DefaultPoolConfig()
		for _, s := range servers {
			pool.Proxies = append(pool.Proxies, proxy.Proxy{Server: s})
		}
		hm, err := proxy.NewHealthMonitor(pool, nil, nil)
		if err != nil {
			t.Fatalf("NewHealthMonitor: %v", err)
		}
		return hm
	}

	t.Run("empty pool", func(t *testing.T) {
		r := ProxyPoolHealthCheck(newMonitor(), 0.3).CheckFunc(context.Background())
		if r.Status != HealthStatusHealthy {
			t.Errorf("status = %s", r.Status)
		}
	})

	t.Run("fresh proxies", func(t *testing.T) {
		r := ProxyPoolHealthCheck(newMonitor("a:1", "b:1"), 0.3).CheckFunc(context.Background())
		if r.Status != HealthStatusHealthy {
			t.Errorf("status = %s", r.Status)
		}
	})

	t.Run("one failing proxy", func(t *testing.T) {
		hm := newMonitor("a:1", "b:1")
		bad := hm.Proxies()[0].ID()
		for i := 0; i < 5; i++ {
			hm.RecordOutcome(bad, "gratis", false, 0, 0)
		}
		r := ProxyPoolHealthCheck(hm, 0.3).CheckFunc(context.Background())
		if r.Status != HealthStatusDegraded {
			t.Errorf("status = %s (%s)", r.Status, r.Message)
		}
	})
}
