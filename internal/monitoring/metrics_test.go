// internal/monitoring/metrics_test.go
package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func testMetrics() *Metrics {
	return NewMetrics(MetricsConfig{Namespace: "test"})
}

// value returns the sample of family name whose labels include every pair
// in want, or -1 when absent.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if !labelsMatch(metric, want) {
				continue
			}
			switch {
			case metric.Counter != nil:
				return metric.Counter.GetValue()
			case metric.Gauge != nil:
				return metric.Gauge.GetValue()
			case metric.Histogram != nil:
				return float64(metric.Histogram.GetSampleCount())
			}
		}
	}
	return -1
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	have := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_Observers(t *testing.T) {
	m := testMetrics()

	m.ObserveProxyHealth("p1", 0.75)
	m.ObserveBlockReset("gratis")
	m.ObserveBlockReset("gratis")
	m.ObserveSessionCreated("gratis")
	m.ObserveSessionCreated("gratis")
	m.ObserveSessionRetired("gratis", "rotation")

	tests := []struct {
		name   string
		metric string
		labels map[string]string
		want   float64
	}{
		{"proxy health gauge", "test_proxy_health_score", map[string]string{"proxy": "p1"}, 0.75},
		{"block resets", "test_proxy_block_resets_total", map[string]string{"site": "gratis"}, 2},
		{"sessions created", "test_session_created_total", map[string]string{"site": "gratis"}, 2},
		{"sessions retired", "test_session_retired_total", map[string]string{"site": "gratis", "reason": "rotation"}, 1},
		{"active sessions", "test_session_active", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := value(t, m, tt.metric, tt.labels); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.metric, got, tt.want)
			}
		})
	}
}

func TestMetrics_EngineHooks(t *testing.T) {
	m := testMetrics()

	m.RecordNavigation("gratis", "ok", 200, 300*time.Millisecond)
	m.RecordNavigation("gratis", "blocked", 403, time.Second)
	m.RecordExtraction("gratis", "price", "heuristic", true, 0.8, time.Second)
	m.RecordExtraction("gratis", "brand", "", false, 0, time.Second)
	m.RecordError("access-denied", "critical")
	m.RecordRecovery("proxy_rotation", "access-denied", true)
	m.RecordRecoveryRefused("parsing-error")
	m.RecordJob("gratis", "completed")
	m.SetProxyCost(1.5)

	tests := []struct {
		metric string
		labels map[string]string
		want   float64
	}{
		{"test_engine_navigations_total", map[string]string{"outcome": "blocked", "status_code": "403"}, 1},
		{"test_engine_navigation_duration_seconds", map[string]string{"site": "gratis"}, 2},
		{"test_engine_extractions_total", map[string]string{"field": "price", "pattern_type": "heuristic", "result": "success"}, 1},
		{"test_engine_extractions_total", map[string]string{"field": "brand", "pattern_type": "none", "result": "failure"}, 1},
		{"test_engine_extraction_quality", map[string]string{"field": "price"}, 1},
		{"test_engine_errors_total", map[string]string{"kind": "access-denied", "severity": "critical"}, 1},
		{"test_engine_recovery_attempts_total", map[string]string{"strategy": "proxy_rotation", "success": "true"}, 1},
		{"test_engine_recovery_refusals_total", map[string]string{"kind": "parsing-error"}, 1},
		{"test_engine_jobs_total", map[string]string{"status": "completed"}, 1},
		{"test_proxy_daily_cost", nil, 1.5},
	}
	for _, tt := range tests {
		if got := value(t, m, tt.metric, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.metric, tt.labels, got, tt.want)
		}
	}

	// failed extractions never feed the quality histogram
	if got := value(t, m, "test_engine_extraction_quality", map[string]string{"field": "brand"}); got != -1 {
		t.Errorf("quality recorded for failed extraction: %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := testMetrics()
	m.ObserveBlockReset("gratis")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_proxy_block_resets_total{site="gratis"} 1`) {
		t.Errorf("exposition missing block reset counter:\n%s", body)
	}
}

func TestMetrics_PrivateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := NewMetrics(MetricsConfig{})
	b := NewMetrics(MetricsConfig{})
	a.ObserveBlockReset("x")
	if got := value(t, b, "crawlguard_proxy_block_resets_total", map[string]string{"site": "x"}); got != -1 {
		t.Errorf("second registry saw first registry's sample: %v", got)
	}
}
