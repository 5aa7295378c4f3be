// internal/config/validation.go - Validation with detailed error messages
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/valpere/crawlguard/internal/errors"
)

// ValidationError represents a detailed validation error
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []string          `json:"warnings"`
}

func (r *ValidationResult) fail(field, value, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *ValidationResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"}
	logFormats = []string{"console", "json"}
	navModes   = []string{"http", "chrome"}
	sqlDrivers = []string{"sqlite", "sqlite3", "postgres", "postgresql", "mysql"}
	actions    = []errors.Action{
		errors.ActionRetry,
		errors.ActionRegenerateSelectors,
		errors.ActionRotateSession,
		errors.ActionRestartNavigator,
	}
)

// Validate returns the first errors found, joined, or nil.
func (c *Config) Validate() error {
	result := c.ValidateDetailed()
	if result.Valid {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%d validation error(s): %s", len(msgs), strings.Join(msgs, "; "))
}

// ValidateDetailed checks every section and collects all problems.
func (c *Config) ValidateDetailed() *ValidationResult {
	result := &ValidationResult{
		Errors:   make([]ValidationError, 0),
		Warnings: make([]string, 0),
	}

	c.validateLogging(result)
	c.validateEngine(result)
	c.validateProxies(result)
	c.validateSessions(result)
	c.validateSelectors(result)
	c.validateRecovery(result)
	c.validateStorage(result)

	if c.Server.Address == "" {
		result.fail("server.address", "", "listen address is required")
	}
	if c.Server.RequestsPerSecond < 0 {
		result.fail("server.requests_per_second", fmt.Sprint(c.Server.RequestsPerSecond), "cannot be negative")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func (c *Config) validateLogging(r *ValidationResult) {
	if !contains(logLevels, strings.ToLower(c.Logging.Level)) {
		r.fail("logging.level", c.Logging.Level, "must be one of %s", strings.Join(logLevels, ", "))
	}
	if !contains(logFormats, c.Logging.Format) {
		r.fail("logging.format", c.Logging.Format, "must be one of %s", strings.Join(logFormats, ", "))
	}
}

func (c *Config) validateEngine(r *ValidationResult) {
	if c.Engine.Concurrency > 100 {
		r.warn("engine.concurrency %d is high; most sites block long before that", c.Engine.Concurrency)
	}

	p := c.Engine.Pacing
	if p.PreMin < 0 || p.PostMin < 0 {
		r.fail("engine.pacing", "", "delays cannot be negative")
	}
	if p.PreMax < p.PreMin {
		r.fail("engine.pacing.pre_max", p.PreMax.String(), "must not be less than pre_min %s", p.PreMin)
	}
	if p.PostMax < p.PostMin {
		r.fail("engine.pacing.post_max", p.PostMax.String(), "must not be less than post_min %s", p.PostMin)
	}
	if p.RequestsPerSecond < 0 {
		r.fail("engine.pacing.requests_per_second", fmt.Sprint(p.RequestsPerSecond), "cannot be negative")
	}

	if !contains(navModes, c.Navigator.Mode) {
		r.fail("navigator.mode", c.Navigator.Mode, "must be one of %s", strings.Join(navModes, ", "))
	}
	if c.Navigator.Timeout > c.Engine.JobDeadline {
		r.warn("navigator.timeout %s exceeds engine.job_deadline %s", c.Navigator.Timeout, c.Engine.JobDeadline)
	}
}

func (c *Config) validateProxies(r *ValidationResult) {
	if len(c.Proxies.Proxies) == 0 {
		r.warn("no proxies configured; sessions connect directly")
		if c.Proxies.Probe.Enabled {
			r.warn("proxies.probe is enabled but there is nothing to probe")
		}
	}

	seen := make(map[string]int)
	for i, p := range c.Proxies.Proxies {
		field := fmt.Sprintf("proxies.proxies[%d]", i)
		if err := p.Validate(); err != nil {
			r.fail(field, p.Server, "%v", err)
			continue
		}
		if j, dup := seen[p.ID()]; dup {
			r.fail(field, p.Server, "duplicates proxies[%d]", j)
		}
		seen[p.ID()] = i
	}

	w := c.Proxies.Weights
	if w.SuccessRatio < 0 || w.Latency < 0 || w.Recency < 0 || w.FailurePenalty < 0 || w.BlockedPenalty < 0 {
		r.fail("proxies.weights", "", "weights cannot be negative")
	}

	if c.Proxies.Probe.Enabled && c.Proxies.Probe.URL != "" {
		validateURL(r, "proxies.probe.url", c.Proxies.Probe.URL)
	}
}

func (c *Config) validateSessions(r *ValidationResult) {
	s := c.Sessions
	if s.HealthFloor < 0 || s.HealthFloor > 1 {
		r.fail("sessions.health_floor", fmt.Sprint(s.HealthFloor), "must be between 0 and 1")
	}
	if s.CleanupCeiling > 0 && s.RequestCeiling > s.CleanupCeiling {
		r.warn("sessions.request_ceiling %d exceeds cleanup_ceiling %d; sessions are torn down before they stop being reused",
			s.RequestCeiling, s.CleanupCeiling)
	}
}

func (c *Config) validateSelectors(r *ValidationResult) {
	s := c.Selectors
	if s.HighConfidence <= 0 || s.HighConfidence > 1 {
		r.fail("selectors.high_confidence", fmt.Sprint(s.HighConfidence), "must be in (0, 1]")
	}
	if s.CachedLimit < 0 || s.CandidateLimit < 0 {
		r.fail("selectors", "", "limits cannot be negative")
	}
	if s.SuggestionURL != "" {
		validateURL(r, "selectors.suggestion_url", s.SuggestionURL)
	}
}

func (c *Config) validateRecovery(r *ValidationResult) {
	rc := c.Recovery
	for sev, n := range rc.Ceilings {
		if n < 0 {
			r.fail("recovery.ceilings."+string(sev), fmt.Sprint(n), "cannot be negative")
		}
		switch sev {
		case errors.SeverityLow, errors.SeverityMedium, errors.SeverityHigh, errors.SeverityCritical:
		default:
			r.fail("recovery.ceilings", string(sev), "unknown severity")
		}
	}
	if rc.GuardThreshold < 0 {
		r.fail("recovery.guard_threshold", fmt.Sprint(rc.GuardThreshold), "cannot be negative")
	}

	names := make(map[string]bool)
	for i, s := range rc.Strategies {
		field := fmt.Sprintf("recovery.strategies[%d]", i)
		if s.Name == "" {
			r.fail(field+".name", "", "strategy name is required")
		} else if names[s.Name] {
			r.fail(field+".name", s.Name, "duplicate strategy name")
		}
		names[s.Name] = true

		if len(s.Kinds) == 0 {
			r.fail(field+".kinds", "", "at least one error kind is required")
		}
		for _, k := range s.Kinds {
			if !knownKind(k) {
				r.fail(field+".kinds", string(k), "unknown error kind")
			}
		}
		if !containsAction(s.Action) {
			r.fail(field+".action", string(s.Action), "unknown action")
		}
		if s.Backoff != "" && s.Backoff != errors.BackoffFixed && s.Backoff != errors.BackoffExponential {
			r.fail(field+".backoff", string(s.Backoff), "must be fixed or exponential")
		}
		if s.MaxRetries < 0 {
			r.fail(field+".max_retries", fmt.Sprint(s.MaxRetries), "cannot be negative")
		}
		if s.MaxDelay > 0 && s.BaseDelay > s.MaxDelay {
			r.fail(field+".base_delay", s.BaseDelay.String(), "exceeds max_delay %s", s.MaxDelay)
		}
	}
}

func (c *Config) validateStorage(r *ValidationResult) {
	sql := c.Storage.SQL
	if !contains(sqlDrivers, string(sql.Driver)) {
		r.fail("storage.sql.driver", string(sql.Driver), "must be one of %s", strings.Join(sqlDrivers, ", "))
	}
	if sql.DSN == "" {
		r.fail("storage.sql.dsn", "", "DSN is required")
	}
	if m := c.Storage.Mongo; m != nil && m.URI == "" {
		r.fail("storage.mongo.uri", "", "URI is required when mongo is configured")
	}
	if rd := c.Storage.Redis; rd != nil && rd.Addr == "" {
		r.fail("storage.redis.addr", "", "address is required when redis is configured")
	}
}

func validateURL(r *ValidationResult, field, raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		r.fail(field, raw, "invalid URL: %v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		r.fail(field, raw, "URL scheme must be http or https")
	}
	if u.Host == "" {
		r.fail(field, raw, "URL must have a host")
	}
}

func knownKind(k errors.Kind) bool {
	for _, known := range errors.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func containsAction(a errors.Action) bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// Helper function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
