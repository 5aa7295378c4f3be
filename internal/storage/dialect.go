// internal/storage/dialect.go
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names a supported SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

type dialect struct {
	driver     Driver
	sqlName    string
	id         string
	timestamp  string
	float      string
	insertNoop string // insert-if-absent prefix
	suffixNoop string // insert-if-absent suffix
	nullsLast  string
}

func dialectFor(d Driver) (dialect, error) {
	switch d {
	case DriverSQLite, "sqlite3", "":
		return dialect{
			driver:     DriverSQLite,
			sqlName:    "sqlite3",
			id:         "INTEGER PRIMARY KEY AUTOINCREMENT",
			timestamp:  "TIMESTAMP",
			float:      "REAL",
			insertNoop: "INSERT OR IGNORE INTO",
		}, nil
	case DriverPostgres, "postgresql":
		return dialect{
			driver:     DriverPostgres,
			sqlName:    "postgres",
			id:         "BIGSERIAL PRIMARY KEY",
			timestamp:  "TIMESTAMPTZ",
			float:      "DOUBLE PRECISION",
			insertNoop: "INSERT INTO",
			suffixNoop: " ON CONFLICT DO NOTHING",
			nullsLast:  " NULLS LAST",
		}, nil
	case DriverMySQL:
		return dialect{
			driver:     DriverMySQL,
			sqlName:    "mysql",
			id:         "BIGINT AUTO_INCREMENT PRIMARY KEY",
			timestamp:  "DATETIME(6)",
			float:      "DOUBLE",
			insertNoop: "INSERT IGNORE INTO",
		}, nil
	}
	return dialect{}, fmt.Errorf("unsupported storage driver %q", d)
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert returns the conflict clause applying the assignments. In an
// assignment expression {cur} prefixes a column of the stored row and
// {new:col} refers to the proposed value. MySQL applies assignments left
// to right, so later ones must not depend on columns already updated.
func (d dialect) upsert(conflict []string, table string, assignments ...[2]string) string {
	incoming := "excluded.%s"
	if d.driver == DriverMySQL {
		incoming = "VALUES(%s)"
	}
	var sets []string
	for _, a := range assignments {
		expr := strings.ReplaceAll(a[1], "{cur}", table+".")
		sets = append(sets, a[0]+" = "+replaceIncoming(expr, incoming))
	}
	if d.driver == DriverMySQL {
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return " ON CONFLICT (" + strings.Join(conflict, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// replaceIncoming renders {new:col} markers with the dialect's reference to
// the proposed row.
func replaceIncoming(expr, format string) string {
	for {
		i := strings.Index(expr, "{new:")
		if i < 0 {
			return expr
		}
		j := strings.Index(expr[i:], "}")
		if j < 0 {
			return expr
		}
		col := expr[i+5 : i+j]
		expr = expr[:i] + fmt.Sprintf(format, col) + expr[i+j+1:]
	}
}

func (d dialect) schema() []string {
	r := strings.NewReplacer("{id}", d.id, "{ts}", d.timestamp, "{float}", d.float)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			id {id},
			selector VARCHAR(255) NOT NULL,
			field_name VARCHAR(64) NOT NULL,
			site_name VARCHAR(128) NOT NULL,
			success_rate {float} NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used {ts} NULL,
			pattern_type VARCHAR(16) NOT NULL,
			confidence_score {float} NOT NULL DEFAULT 0,
			extraction_quality {float} NOT NULL DEFAULT 0,
			context_hash VARCHAR(32),
			created_at {ts} NULL,
			UNIQUE (selector, site_name, field_name)
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_metrics (
			proxy_id VARCHAR(255) NOT NULL PRIMARY KEY,
			server VARCHAR(255) NOT NULL,
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			failed_requests BIGINT NOT NULL DEFAULT 0,
			avg_response_ms BIGINT NOT NULL DEFAULT 0,
			last_success {ts} NULL,
			last_failure {ts} NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			blocked_sites TEXT,
			health_score {float} NOT NULL DEFAULT 1,
			updated_at {ts} NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_requests (
			id {id},
			proxy_id VARCHAR(255) NOT NULL,
			site_name VARCHAR(128) NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			status_code INTEGER NOT NULL,
			created_at {ts} NULL
		)`,
		`CREATE TABLE IF NOT EXISTS error_log (
			id {id},
			error_type VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			site_name VARCHAR(128) NOT NULL,
			url TEXT,
			operation VARCHAR(64),
			retry_count INTEGER NOT NULL DEFAULT 0,
			session_id VARCHAR(128),
			proxy_id VARCHAR(255),
			message TEXT,
			strategy VARCHAR(64),
			recovered BOOLEAN NOT NULL,
			created_at {ts} NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recovery_stats (
			id {id},
			strategy_name VARCHAR(64) NOT NULL,
			error_type VARCHAR(32) NOT NULL,
			attempts BIGINT NOT NULL DEFAULT 0,
			successes BIGINT NOT NULL DEFAULT 0,
			success_rate {float} NOT NULL DEFAULT 0,
			avg_recovery_ms {float} NOT NULL DEFAULT 0,
			updated_at {ts} NULL,
			UNIQUE (strategy_name, error_type)
		)`,
	}
	for i := range stmts {
		stmts[i] = r.Replace(stmts[i])
	}
	return stmts
}
