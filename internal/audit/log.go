// Package audit provides an optional, best-effort append-only Postgres log
// of watch events (config/switch/service key changes, backend promotions).
// It is an observability aid, not a source of truth: a write failure never
// propagates back to the watch/poll loop that triggered it. Grounded on the
// teacher's internal/gvisor/database_state.go Postgres-via-database/sql
// idiom and internal/evidence's audit-trail intent.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Entry is one row of the append-only audit log.
type Entry struct {
	Kind      string // "config", "switch", "service", "backend"
	App       string
	Cluster   string
	Key       string
	Event     string // "update", "delete", "promoted"
	Detail    string
	Timestamp time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS huskar_audit_log (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	app        TEXT NOT NULL,
	cluster    TEXT NOT NULL,
	key        TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO huskar_audit_log (kind, app, cluster, key, event, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Log appends Entry rows to a Postgres table, created on first connect if
// missing. All writes are best-effort: a failed Append is logged and
// swallowed rather than returned to the caller's hot path.
type Log struct {
	db *sql.DB
}

// Open connects to dbURL and ensures the audit table exists.
func Open(dbURL string) (*Log, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &Log{db: db}, nil
}

// Append writes one Entry, best-effort: failures are logged, never
// returned, so a database outage never blocks a watch callback.
func (l *Log) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := l.db.ExecContext(ctx, insertSQL, e.Kind, e.App, e.Cluster, e.Key, e.Event, e.Detail, e.Timestamp); err != nil {
		slog.Warn("audit: append failed", "kind", e.Kind, "app", e.App, "cluster", e.Cluster, "key", e.Key, "err", err)
	}
}

// Query returns the most recent limit entries for (app, cluster), newest
// first, for inspection tooling; no command in this repository calls it.
func (l *Log) Query(ctx context.Context, app, cluster string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, app, cluster, key, event, detail, created_at
		FROM huskar_audit_log
		WHERE app = $1 AND cluster = $2
		ORDER BY created_at DESC
		LIMIT $3`, app, cluster, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Kind, &e.App, &e.Cluster, &e.Key, &e.Event, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database connection.
func (l *Log) Close() error { return l.db.Close() }
