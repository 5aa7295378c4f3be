// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/storage"
)

func TestLoadFromBytes(t *testing.T) {
	configYAML := `
engine:
  concurrency: 8
  job_deadline: 2m
proxies:
  proxies:
    - server: "10.0.0.1:8080"
      username: "user"
      password: "pass"
      cost_per_gb: 4.5
selectors:
  high_confidence: 0.8
recovery:
  ceilings:
    medium: 4
`

	config, err := LoadFromBytes([]byte(configYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes failed: %v", err)
	}

	if config.Engine.Concurrency != 8 {
		t.Errorf("concurrency = %d", config.Engine.Concurrency)
	}
	if config.Engine.JobDeadline != 2*time.Minute {
		t.Errorf("job deadline = %s", config.Engine.JobDeadline)
	}
	if len(config.Proxies.Proxies) != 1 || config.Proxies.Proxies[0].CostPerGB != 4.5 {
		t.Errorf("proxies = %+v", config.Proxies.Proxies)
	}
	if config.Selectors.HighConfidence != 0.8 {
		t.Errorf("high confidence = %v", config.Selectors.HighConfidence)
	}
	// inline selector config keeps untouched defaults
	if config.Selectors.CandidateLimit != 20 {
		t.Errorf("candidate limit = %d", config.Selectors.CandidateLimit)
	}

	// ceilings merge with defaults key by key
	if config.Recovery.Ceilings[errors.SeverityMedium] != 4 {
		t.Errorf("medium ceiling = %d", config.Recovery.Ceilings[errors.SeverityMedium])
	}
	if config.Recovery.Ceilings[errors.SeverityCritical] != 1 {
		t.Errorf("critical ceiling = %d", config.Recovery.Ceilings[errors.SeverityCritical])
	}

	if len(config.Recovery.Strategies) != len(errors.DefaultStrategies()) {
		t.Errorf("strategies = %d", len(config.Recovery.Strategies))
	}
	if config.Storage.SQL.Driver != storage.DriverSQLite || config.Storage.SQL.DSN == "" {
		t.Errorf("storage = %+v", config.Storage.SQL)
	}
	if config.Navigator.Mode != "http" || !config.Navigator.Headless {
		t.Errorf("navigator = %+v", config.Navigator)
	}
}

func TestLoadFromBytes_ExplicitZeroRepaired(t *testing.T) {
	config, err := LoadFromBytes([]byte("engine:\n  concurrency: 0\nnavigator:\n  mode: \"\"\n"))
	if err != nil {
		t.Fatalf("LoadFromBytes failed: %v", err)
	}
	if config.Engine.Concurrency != 4 || config.Navigator.Mode != "http" {
		t.Errorf("defaults not applied: %+v %+v", config.Engine, config.Navigator)
	}
}

func TestExpandEnvironmentVariables(t *testing.T) {
	t.Setenv("CRAWLGUARD_TEST_DSN", "postgres://u:p@db/crawl")
	t.Setenv("CRAWLGUARD_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"dsn: ${CRAWLGUARD_TEST_DSN}", "dsn: postgres://u:p@db/crawl"},
		{"dsn: ${CRAWLGUARD_TEST_UNSET:-fallback}", "dsn: fallback"},
		{"dsn: ${CRAWLGUARD_TEST_EMPTY:-fallback}", "dsn: fallback"},
		{"dsn: ${CRAWLGUARD_TEST_UNSET}", "dsn: "},
		{"password: pa$word", "password: pa$word"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandEnvironmentVariables(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlguard.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("level = %q", config.Logging.Level)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFromFile(""); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"empty", "", "cannot be empty"},
		{"malformed", "engine: [", "parse YAML"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"navigator mode", "navigator:\n  mode: lynx\n", "navigator.mode"},
		{"proxy type", "proxies:\n  proxies:\n    - server: a:1\n      type: ftp\n", "proxies.proxies[0]"},
		{"duplicate proxy", "proxies:\n  proxies:\n    - server: a:1\n    - server: a:1\n", "duplicates"},
		{"threshold", "selectors:\n  high_confidence: 1.5\n", "selectors.high_confidence"},
		{"suggestion url", "selectors:\n  suggestion_url: ftp://x\n", "selectors.suggestion_url"},
		{"negative ceiling", "recovery:\n  ceilings:\n    low: -1\n", "recovery.ceilings.low"},
		{"unknown severity", "recovery:\n  ceilings:\n    fatal: 1\n", "unknown severity"},
		{"strategy kind", "recovery:\n  strategies:\n    - name: x\n      kinds: [weather]\n      action: retry\n", "unknown error kind"},
		{"strategy action", "recovery:\n  strategies:\n    - name: x\n      kinds: [network]\n      action: pray\n", "unknown action"},
		{"driver", "storage:\n  sql:\n    driver: oracle\n    dsn: x\n", "storage.sql.driver"},
		{"postgres dsn", "storage:\n  sql:\n    driver: postgres\n    dsn: \"\"\n", "storage.sql.dsn"},
		{"mongo uri", "storage:\n  mongo:\n    database: x\n", "storage.mongo.uri"},
		{"redis addr", "storage:\n  redis:\n    db: 1\n", "storage.redis.addr"},
		{"pacing", "engine:\n  pacing:\n    pre_min: 5s\n    pre_max: 1s\n", "pre_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestValidateDetailed_Warnings(t *testing.T) {
	config := Default()
	config.Proxies.Probe.Enabled = true
	config.Sessions.RequestCeiling = 500

	result := config.ValidateDetailed()
	if !result.Valid {
		t.Fatalf("default config invalid: %+v", result.Errors)
	}
	if len(result.Warnings) != 3 {
		t.Errorf("warnings = %v", result.Warnings)
	}
}

func TestDefault_IsValid(t *testing.T) {
	config := Default()
	applyDefaults(config)
	if err := config.Validate(); err != nil {
		t.Errorf("default configuration should be valid: %v", err)
	}
}

func TestLoadFromFile_Example(t *testing.T) {
	t.Setenv("PROXY_PASSWORD", "s3cret")
	t.Setenv("SELECTOR_SUGGESTION_URL", "")

	cfg, err := LoadFromFile(filepath.Join("..", "..", "examples", "crawlguard.yaml"))
	if err != nil {
		t.Fatalf("example config rejected: %v", err)
	}
	if len(cfg.Proxies.Proxies) != 2 || cfg.Proxies.Proxies[0].Password != "s3cret" {
		t.Errorf("proxies = %+v", cfg.Proxies.Proxies)
	}
	if cfg.Proxies.Proxies[0].Username != "crawler" {
		t.Errorf("default username not applied: %q", cfg.Proxies.Proxies[0].Username)
	}
	if cfg.Storage.SQL.Driver != storage.DriverPostgres || cfg.Storage.Mongo == nil || cfg.Storage.Redis == nil {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Selectors.SuggestionURL != "" {
		t.Errorf("suggestion url = %q", cfg.Selectors.SuggestionURL)
	}
	if len(cfg.Recovery.Strategies) != len(errors.DefaultStrategies()) {
		t.Errorf("strategies = %d", len(cfg.Recovery.Strategies))
	}
}
