// internal/config/types.go
package config

import (
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/browser"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/monitoring"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/selector"
	"github.com/valpere/crawlguard/internal/session"
	"github.com/valpere/crawlguard/internal/storage"
)

// Config is the complete engine configuration
type Config struct {
	Logging     LoggingConfig                `yaml:"logging" json:"logging"`
	Engine      EngineConfig                 `yaml:"engine" json:"engine"`
	Navigator   browser.Config               `yaml:"navigator" json:"navigator"`
	Fingerprint antidetect.FingerprintConfig `yaml:"fingerprint" json:"fingerprint"`
	Sessions    session.Config               `yaml:"sessions" json:"sessions"`
	Proxies     proxy.PoolConfig             `yaml:"proxies" json:"proxies"`
	Selectors   SelectorsConfig              `yaml:"selectors" json:"selectors"`
	Recovery    errors.Config                `yaml:"recovery" json:"recovery"`
	Storage     StorageConfig                `yaml:"storage" json:"storage"`
	Metrics     monitoring.MetricsConfig     `yaml:"metrics" json:"metrics"`
	Server      ServerConfig                 `yaml:"server" json:"server"`
}

// LoggingConfig defines log output
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// EngineConfig defines task-level limits
type EngineConfig struct {
	// Concurrency bounds the number of fields extracted at once.
	Concurrency int                     `yaml:"concurrency" json:"concurrency"`
	JobDeadline time.Duration           `yaml:"job_deadline" json:"job_deadline"`
	Pacing      antidetect.PacingConfig `yaml:"pacing" json:"pacing"`
}

// SelectorsConfig defines extraction and candidate generation
type SelectorsConfig struct {
	selector.Config   `yaml:",inline"`
	SuggestionURL     string        `yaml:"suggestion_url,omitempty" json:"suggestion_url,omitempty"`
	SuggestionTimeout time.Duration `yaml:"suggestion_timeout,omitempty" json:"suggestion_timeout,omitempty"`
}

// StorageConfig defines persistence. SQL is always used; MongoDB and Redis
// are optional.
type StorageConfig struct {
	SQL   storage.SQLConfig    `yaml:"sql" json:"sql"`
	Mongo *storage.MongoConfig `yaml:"mongo,omitempty" json:"mongo,omitempty"`
	Redis *errors.RedisConfig  `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// ServerConfig defines the HTTP API
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// RequestsPerSecond limits API calls; zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}
