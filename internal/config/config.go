// internal/config/config.go
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/monitoring"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/selector"
	"github.com/valpere/crawlguard/internal/session"
	"github.com/valpere/crawlguard/internal/storage"
)

// Default returns a configuration that runs without a file: direct
// connections, the HTTP navigator and a local SQLite store.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			Concurrency: 4,
			JobDeadline: 5 * time.Minute,
			Pacing:      antidetect.DefaultPacingConfig(),
		},
		Navigator:   browser.DefaultConfig(),
		Fingerprint: antidetect.FingerprintConfig{GeoJitter: 0.05},
		Sessions:    session.DefaultConfig(),
		Proxies:     proxy.DefaultPoolConfig(),
		Selectors: SelectorsConfig{
			Config:            selector.DefaultConfig(),
			SuggestionTimeout: 15 * time.Second,
		},
		Recovery: errors.DefaultConfig(),
		Storage: StorageConfig{
			SQL: storage.SQLConfig{Driver: storage.DriverSQLite, DSN: "./data/crawlguard.db"},
		},
		Metrics: monitoring.DefaultMetricsConfig(),
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,

			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("configuration filename cannot be empty")
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML over the defaults, so omitted keys keep their
// default values.
func LoadFromBytes(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("configuration data cannot be empty")
	}

	expanded := expandEnvironmentVariables(string(data))

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	applyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFromReader loads configuration from an io.Reader
func LoadFromReader(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from reader: %w", err)
	}

	return LoadFromBytes(data)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvironmentVariables substitutes ${VAR} and ${VAR:-default}. Bare
// $VAR is left alone so DSNs and passwords containing $ survive.
func expandEnvironmentVariables(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

// applyDefaults repairs zero values an explicit YAML key may have set.
func applyDefaults(config *Config) {
	d := Default()

	if config.Logging.Level == "" {
		config.Logging.Level = d.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = d.Logging.Format
	}

	if config.Engine.Concurrency <= 0 {
		config.Engine.Concurrency = d.Engine.Concurrency
	}
	if config.Engine.JobDeadline <= 0 {
		config.Engine.JobDeadline = d.Engine.JobDeadline
	}

	if config.Navigator.Mode == "" {
		config.Navigator.Mode = d.Navigator.Mode
	}
	if config.Navigator.Timeout <= 0 {
		config.Navigator.Timeout = d.Navigator.Timeout
	}
	if config.Navigator.MaxBodyBytes <= 0 {
		config.Navigator.MaxBodyBytes = d.Navigator.MaxBodyBytes
	}

	if config.Proxies.BlockThreshold <= 0 {
		config.Proxies.BlockThreshold = d.Proxies.BlockThreshold
	}
	if config.Proxies.Weights == (proxy.HealthWeights{}) {
		config.Proxies.Weights = d.Proxies.Weights
	}

	if config.Selectors.HighConfidence <= 0 {
		config.Selectors.HighConfidence = d.Selectors.HighConfidence
	}
	if config.Selectors.Weights == (selector.RankWeights{}) {
		config.Selectors.Weights = d.Selectors.Weights
	}
	if config.Selectors.SuggestionTimeout <= 0 {
		config.Selectors.SuggestionTimeout = d.Selectors.SuggestionTimeout
	}

	if len(config.Recovery.Strategies) == 0 {
		config.Recovery.Strategies = errors.DefaultStrategies()
	}

	if config.Storage.SQL.Driver == "" {
		config.Storage.SQL.Driver = d.Storage.SQL.Driver
	}
	if config.Storage.SQL.DSN == "" && config.Storage.SQL.Driver == storage.DriverSQLite {
		config.Storage.SQL.DSN = d.Storage.SQL.DSN
	}
	if config.Storage.Mongo != nil && config.Storage.Mongo.Database == "" {
		config.Storage.Mongo.Database = "crawlguard"
	}

	if config.Server.Address == "" {
		config.Server.Address = d.Server.Address
	}
	if config.Server.ShutdownTimeout <= 0 {
		config.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
}
