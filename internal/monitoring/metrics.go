// internal/monitoring/metrics.go
package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valpere/crawlguard/internal/utils"
)

var metricsLogger = utils.NewComponentLogger("metrics")

// MetricsConfig configuration for metrics collection
type MetricsConfig struct {
	Namespace            string `yaml:"namespace" json:"namespace"`
	Subsystem            string `yaml:"subsystem" json:"subsystem"`
	EnableGoMetrics      bool   `yaml:"enable_go_metrics" json:"enable_go_metrics"`
	EnableProcessMetrics bool   `yaml:"enable_process_metrics" json:"enable_process_metrics"`
	MetricsPath          string `yaml:"metrics_path" json:"metrics_path"`
	ListenAddress        string `yaml:"listen_address" json:"listen_address"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:            "crawlguard",
		Subsystem:            "engine",
		EnableGoMetrics:      true,
		EnableProcessMetrics: true,
		MetricsPath:          "/metrics",
		ListenAddress:        ":9090",
	}
}

// Metrics collects engine metrics on a private registry. It satisfies the
// proxy and session observer interfaces.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	navigations        *prometheus.CounterVec
	navigationDuration *prometheus.HistogramVec
	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	extractionQuality  *prometheus.HistogramVec
	classifiedErrors   *prometheus.CounterVec
	recoveryAttempts   *prometheus.CounterVec
	recoveryRefusals   *prometheus.CounterVec
	proxyHealth        *prometheus.GaugeVec
	blockResets        *prometheus.CounterVec
	sessionsCreated    *prometheus.CounterVec
	sessionsRetired    *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	jobs               *prometheus.CounterVec
	proxyCost          prometheus.Gauge
}

// NewMetrics creates the collectors. Empty config fields take defaults.
func NewMetrics(config MetricsConfig) *Metrics {
	defaults := DefaultMetricsConfig()
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if config.Subsystem == "" {
		config.Subsystem = defaults.Subsystem
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}
	if config.ListenAddress == "" {
		config.ListenAddress = defaults.ListenAddress
	}

	reg := prometheus.NewRegistry()
	if config.EnableGoMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}
	if config.EnableProcessMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)
	ns, sub := config.Namespace, config.Subsystem

	return &Metrics{
		config:   config,
		registry: reg,

		navigations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "navigations_total",
			Help:      "Navigation attempts by site and outcome",
		}, []string{"site", "outcome", "status_code"}),

		navigationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "navigation_duration_seconds",
			Help:      "Page load latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"site"}),

		extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "extractions_total",
			Help:      "Field extractions by site, field, pattern type and result",
		}, []string{"site", "field", "pattern_type", "result"}),

		extractionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "extraction_duration_seconds",
			Help:      "End to end field extraction time including recovery",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"site", "field"}),

		extractionQuality: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "extraction_quality",
			Help:      "Quality score of extracted values",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"field"}),

		classifiedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "errors_total",
			Help:      "Classified failures by kind and severity",
		}, []string{"kind", "severity"}),

		recoveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts by strategy, kind and result",
		}, []string{"strategy", "kind", "success"}),

		recoveryRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "recovery_refusals_total",
			Help:      "Failures for which no recovery was attempted",
		}, []string{"kind"}),

		proxyHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "proxy",
			Name:      "health_score",
			Help:      "Current proxy health score",
		}, []string{"proxy"}),

		blockResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "proxy",
			Name:      "block_resets_total",
			Help:      "Times every proxy was blocked for a site and the blocked set was cleared",
		}, []string{"site"}),

		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created by site",
		}, []string{"site"}),

		sessionsRetired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "retired_total",
			Help:      "Sessions torn down by site and reason",
		}, []string{"site", "reason"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions",
		}),

		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jobs_total",
			Help:      "Finished jobs by site and status",
		}, []string{"site", "status"}),

		proxyCost: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "proxy",
			Name:      "daily_cost",
			Help:      "Estimated proxy spend for the current day",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProxyHealth implements proxy.Observer.
func (m *Metrics) ObserveProxyHealth(proxyID string, score float64) {
	m.proxyHealth.WithLabelValues(proxyID).Set(score)
}

// ObserveBlockReset implements proxy.Observer.
func (m *Metrics) ObserveBlockReset(site string) {
	m.blockResets.WithLabelValues(site).Inc()
}

// ObserveSessionCreated implements session.Observer.
func (m *Metrics) ObserveSessionCreated(site string) {
	m.sessionsCreated.WithLabelValues(site).Inc()
	m.activeSessions.Inc()
}

// ObserveSessionRetired implements session.Observer.
func (m *Metrics) ObserveSessionRetired(site, reason string) {
	m.sessionsRetired.WithLabelValues(site, reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) RecordNavigation(site, outcome string, statusCode int, latency time.Duration) {
	m.navigations.WithLabelValues(site, outcome, strconv.Itoa(statusCode)).Inc()
	m.navigationDuration.WithLabelValues(site).Observe(latency.Seconds())
}

func (m *Metrics) RecordExtraction(site, field, patternType string, success bool, quality float64, elapsed time.Duration) {
	result := "failure"
	if success {
		result = "success"
		m.extractionQuality.WithLabelValues(field).Observe(quality)
	}
	if patternType == "" {
		patternType = "none"
	}
	m.extractions.WithLabelValues(site, field, patternType, result).Inc()
	m.extractionDuration.WithLabelValues(site, field).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordError(kind, severity string) {
	m.classifiedErrors.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) RecordRecovery(strategy, kind string, success bool) {
	m.recoveryAttempts.WithLabelValues(strategy, kind, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordRecoveryRefused(kind string) {
	m.recoveryRefusals.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordJob(site, status string) {
	m.jobs.WithLabelValues(site, status).Inc()
}

func (m *Metrics) SetProxyCost(total float64) {
	m.proxyCost.Set(total)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves metrics on the configured address until ctx
// ends.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	metricsLogger.Infof("metrics server listening on %s%s", m.config.ListenAddress, m.config.MetricsPath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
