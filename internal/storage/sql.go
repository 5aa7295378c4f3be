// internal/storage/sql.go - SQL persistence for patterns, proxy metrics and recovery analytics
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/selector"
	"github.com/valpere/crawlguard/internal/utils"
)

var storageLogger = utils.NewComponentLogger("storage")

// SQLConfig locates the relational store.
type SQLConfig struct {
	Driver       Driver        `yaml:"driver" json:"driver"`
	DSN          string        `yaml:"dsn" json:"-"`
	MaxOpenConns int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	ConnLifetime time.Duration `yaml:"conn_lifetime,omitempty" json:"conn_lifetime,omitempty"`
}

// SQLStore implements selector.Store, proxy.MetricsStore and
// errors.EventLog on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var (
	_ selector.Store     = (*SQLStore)(nil)
	_ proxy.MetricsStore = (*SQLStore)(nil)
	_ errors.EventLog    = (*SQLStore)(nil)
)

// OpenSQL connects to the configured database and creates missing tables.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s connection string is required", d.driver)
	}

	dsn, err := prepareDSN(d.driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.driver, err)
	}

	switch d.driver {
	case DriverSQLite:
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		lifetime := cfg.ConnLifetime
		if lifetime <= 0 {
			lifetime = 5 * time.Minute
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(lifetime)
	}

	s := &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	storageLogger.Infof("connected to %s store", d.driver)
	return s, nil
}

func prepareDSN(driver Driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite:
		path := dsn
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		path = strings.TrimPrefix(path, "file:")
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return "", fmt.Errorf("failed to create database directory: %w", err)
				}
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
		return dsn, nil
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	}
	return dsn, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health endpoints.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Patterns

const patternColumns = `selector, field_name, site_name, success_rate, usage_count, last_used,
	pattern_type, confidence_score, extraction_quality, context_hash, created_at`

func scanPattern(rows *sql.Rows) (selector.Pattern, error) {
	var (
		p        selector.Pattern
		typ      string
		hash     sql.NullString
		lastUsed sql.NullTime
		created  sql.NullTime
	)
	err := rows.Scan(&p.Selector, &p.Field, &p.Site, &p.SuccessRate, &p.UsageCount, &lastUsed,
		&typ, &p.Confidence, &p.Quality, &hash, &created)
	if err != nil {
		return p, err
	}
	p.Type = selector.PatternType(typ)
	p.ContextHash = hash.String
	p.LastUsed = lastUsed.Time
	p.Created = created.Time
	return p, nil
}

func (s *SQLStore) Best(ctx context.Context, site, field string, limit int) ([]selector.Pattern, error) {
	q := `SELECT ` + patternColumns + ` FROM patterns
		WHERE site_name = ? AND field_name = ?
		ORDER BY success_rate DESC, usage_count DESC, last_used DESC` + s.dialect.nullsLast
	args := []interface{}{site, field}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []selector.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Save(ctx context.Context, p selector.Pattern) (bool, error) {
	if p.Created.IsZero() {
		p.Created = s.now()
	}
	q := s.dialect.insertNoop + ` patterns (` + patternColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + s.dialect.suffixNoop

	res, err := s.exec(ctx, q, p.Selector, p.Field, p.Site, p.SuccessRate, p.UsageCount, nullTime(p.LastUsed),
		string(p.Type), p.Confidence, p.Quality, p.ContextHash, nullTime(p.Created))
	if err != nil {
		return false, fmt.Errorf("failed to save pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save pattern: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) UpdateSuccess(ctx context.Context, sel, site, field string, success bool, quality float64) error {
	v := 0.0
	if success {
		v = 1.0
	}
	// success_rate is assigned first so it sees the old usage_count on
	// every backend
	res, err := s.exec(ctx, `UPDATE patterns SET
			success_rate = (success_rate * usage_count + ?) / (usage_count + 1),
			usage_count = usage_count + 1,
			extraction_quality = ?,
			last_used = ?
		WHERE selector = ? AND site_name = ? AND field_name = ?`,
		v, quality, nullTime(s.now()), sel, site, field)
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	if n == 0 {
		return selector.ErrPatternNotFound
	}
	return nil
}

func (s *SQLStore) Prune(ctx context.Context, site, field string, minUsage int, maxRate float64) (int, error) {
	q := `DELETE FROM patterns WHERE usage_count >= ? AND success_rate < ?`
	args := []interface{}{minUsage, maxRate}
	if site != "" {
		q += ` AND site_name = ?`
		args = append(args, site)
	}
	if field != "" {
		q += ` AND field_name = ?`
		args = append(args, field)
	}

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Summary(ctx context.Context) (selector.Summary, error) {
	var sum selector.Summary
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success_rate > 0.5 THEN 1 ELSE 0 END), 0) FROM patterns`)
	if err := row.Scan(&sum.TotalPatterns, &sum.SuccessfulPatterns); err != nil {
		return sum, fmt.Errorf("failed to summarize patterns: %w", err)
	}

	rows, err := s.query(ctx, `SELECT site_name, field_name, AVG(success_rate), COUNT(*)
		FROM patterns GROUP BY site_name, field_name ORDER BY site_name, field_name`)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize patterns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp selector.FieldPerformance
		if err := rows.Scan(&fp.Site, &fp.Field, &fp.AvgSuccess, &fp.Patterns); err != nil {
			return sum, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Fields = append(sum.Fields, fp)
	}
	return sum, rows.Err()
}

// Proxy metrics

func (s *SQLStore) SaveProxyMetrics(ctx context.Context, m proxy.Metrics) error {
	blocked, err := json.Marshal(m.BlockedSites)
	if err != nil {
		return fmt.Errorf("failed to encode blocked sites: %w", err)
	}

	q := `INSERT INTO proxy_metrics (proxy_id, server, total_requests, successful_requests, failed_requests,
			avg_response_ms, last_success, last_failure, consecutive_failures, blocked_sites, health_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` +
		s.dialect.upsert([]string{"proxy_id"}, "proxy_metrics",
			[2]string{"server", "{new:server}"},
			[2]string{"total_requests", "{new:total_requests}"},
			[2]string{"successful_requests", "{new:successful_requests}"},
			[2]string{"failed_requests", "{new:failed_requests}"},
			[2]string{"avg_response_ms", "{new:avg_response_ms}"},
			[2]string{"last_success", "{new:last_success}"},
			[2]string{"last_failure", "{new:last_failure}"},
			[2]string{"consecutive_failures", "{new:consecutive_failures}"},
			[2]string{"blocked_sites", "{new:blocked_sites}"},
			[2]string{"health_score", "{new:health_score}"},
			[2]string{"updated_at", "{new:updated_at}"},
		)

	_, err = s.exec(ctx, q, m.ProxyID, m.Server, m.TotalRequests, m.SuccessfulRequests, m.FailedRequests,
		m.AvgResponseTime.Milliseconds(), nullTime(m.LastSuccess), nullTime(m.LastFailure),
		m.ConsecutiveFailures, string(blocked), m.HealthScore, nullTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save metrics for %s: %w", m.ProxyID, err)
	}
	return nil
}

func (s *SQLStore) LoadProxyMetrics(ctx context.Context) ([]proxy.Metrics, error) {
	rows, err := s.query(ctx, `SELECT proxy_id, server, total_requests, successful_requests, failed_requests,
		avg_response_ms, last_success, last_failure, consecutive_failures, blocked_sites, health_score
		FROM proxy_metrics ORDER BY proxy_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy metrics: %w", err)
	}
	defer rows.Close()

	var out []proxy.Metrics
	for rows.Next() {
		var (
			m           proxy.Metrics
			avgMs       int64
			lastSuccess sql.NullTime
			lastFailure sql.NullTime
			blocked     sql.NullString
		)
		if err := rows.Scan(&m.ProxyID, &m.Server, &m.TotalRequests, &m.SuccessfulRequests, &m.FailedRequests,
			&avgMs, &lastSuccess, &lastFailure, &m.ConsecutiveFailures, &blocked, &m.HealthScore); err != nil {
			return nil, fmt.Errorf("failed to scan proxy metrics: %w", err)
		}
		m.AvgResponseTime = time.Duration(avgMs) * time.Millisecond
		m.LastSuccess = lastSuccess.Time
		m.LastFailure = lastFailure.Time
		if blocked.Valid && blocked.String != "" {
			if err := json.Unmarshal([]byte(blocked.String), &m.BlockedSites); err != nil {
				storageLogger.Warnf("ignoring malformed blocked sites for %s: %v", m.ProxyID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordProxyRequest(ctx context.Context, r proxy.RequestRecord) error {
	at := r.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO proxy_requests (proxy_id, site_name, success, latency_ms, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ProxyID, r.Site, r.Success, r.Latency.Milliseconds(), r.StatusCode, nullTime(at))
	if err != nil {
		return fmt.Errorf("failed to record proxy request: %w", err)
	}
	return nil
}

// Recovery analytics

func (s *SQLStore) LogError(ctx context.Context, e errors.ErrorEvent) error {
	at := e.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO error_log (error_type, severity, site_name, url, operation, retry_count,
			session_id, proxy_id, message, strategy, recovered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), string(e.Severity), e.Site, e.URL, e.Operation, e.RetryCount,
		e.SessionID, e.ProxyID, e.Message, e.Strategy, e.Recovered, nullTime(at))
	if err != nil {
		return fmt.Errorf("failed to log error: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordRecovery(ctx context.Context, strategy string, kind errors.Kind, success bool, elapsed time.Duration) error {
	successes := 0
	if success {
		successes = 1
	}
	ms := float64(elapsed) / float64(time.Millisecond)

	q := `INSERT INTO recovery_stats (strategy_name, error_type, attempts, successes, success_rate, avg_recovery_ms, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)` +
		s.dialect.upsert([]string{"strategy_name", "error_type"}, "recovery_stats",
			[2]string{"avg_recovery_ms", "({cur}avg_recovery_ms * {cur}attempts + {new:avg_recovery_ms}) / ({cur}attempts + 1)"},
			[2]string{"success_rate", "({cur}successes + {new:successes}) * 1.0 / ({cur}attempts + 1)"},
			[2]string{"successes", "{cur}successes + {new:successes}"},
			[2]string{"attempts", "{cur}attempts + 1"},
			[2]string{"updated_at", "{new:updated_at}"},
		)

	_, err := s.exec(ctx, q, strategy, string(kind), successes, float64(successes), ms, nullTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to update recovery stats: %w", err)
	}
	return nil
}

// RecoveryStat is the persisted aggregate of one strategy on one kind.
type RecoveryStat struct {
	Strategy      string    `json:"strategy"`
	Kind          string    `json:"error_type"`
	Attempts      int64     `json:"attempts"`
	Successes     int64     `json:"successes"`
	SuccessRate   float64   `json:"success_rate"`
	AvgRecoveryMs float64   `json:"avg_recovery_ms"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecoveryStats lists the recovery aggregates.
func (s *SQLStore) RecoveryStats(ctx context.Context) ([]RecoveryStat, error) {
	rows, err := s.query(ctx, `SELECT strategy_name, error_type, attempts, successes, success_rate, avg_recovery_ms, updated_at
		FROM recovery_stats ORDER BY strategy_name, error_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery stats: %w", err)
	}
	defer rows.Close()

	var out []RecoveryStat
	for rows.Next() {
		var (
			st      RecoveryStat
			updated sql.NullTime
		)
		if err := rows.Scan(&st.Strategy, &st.Kind, &st.Attempts, &st.Successes, &st.SuccessRate,
			&st.AvgRecoveryMs, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan recovery stats: %w", err)
		}
		st.UpdatedAt = updated.Time
		out = append(out, st)
	}
	return out, rows.Err()
}

// ErrorCounts returns logged errors per kind since the given time.
func (s *SQLStore) ErrorCounts(ctx context.Context, since time.Time) (map[errors.Kind]int, error) {
	rows, err := s.query(ctx, `SELECT error_type, COUNT(*) FROM error_log WHERE created_at >= ? GROUP BY error_type`,
		nullTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}
	defer rows.Close()

	out := make(map[errors.Kind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan error counts: %w", err)
		}
		out[errors.Kind(kind)] = n
	}
	return out, rows.Err()
}
