// internal/scraper/runtime_test.go
package scraper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/valpere/crawlguard/internal/config"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/monitoring"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SQL.DSN = filepath.Join(t.TempDir(), "crawlguard.db")
	cfg.Navigator.Mode = "http"
	cfg.Metrics.EnableProcessMetrics = false
	return cfg
}

func TestBuild_DirectMode(t *testing.T) {
	rt, err := Build(context.Background(), testConfig(t), "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()

	if rt.Proxies != nil || rt.Balancer != nil {
		t.Error("proxy pool built without proxies")
	}
	if rt.Engine.Checker != nil {
		t.Error("checker built without proxies")
	}

	h := rt.Health.Check(context.Background())
	if h.Status != monitoring.HealthStatusHealthy {
		t.Errorf("health = %s: %+v", h.Status, h.Checks)
	}
	if len(h.Checks) != 2 {
		t.Errorf("got %d checks, want database and sessions", len(h.Checks))
	}
}

func TestRuntime_Apply(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()

	next := testConfig(t)
	next.Recovery.Ceilings = map[errors.Severity]int{errors.SeverityLow: 9}
	rt.Apply(next)

	if got := rt.Engine.Recovery.Ceiling(errors.SeverityLow); got != 9 {
		t.Errorf("low ceiling = %d, want 9", got)
	}
	if got := rt.Engine.Recovery.Ceiling(errors.SeverityCritical); got != 1 {
		t.Errorf("critical ceiling = %d, want default 1", got)
	}
}

func TestBuild_NilConfig(t *testing.T) {
	if _, err := Build(context.Background(), nil, "test"); err == nil {
		t.Error("expected error")
	}
}
