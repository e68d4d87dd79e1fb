package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomworks/loom/ident"
	_ "modernc.org/sqlite"
)

// sqliteSchema bootstraps on first open. Timestamps are epoch microseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS event (
		event_id            INTEGER PRIMARY KEY,
		execution_id        INTEGER NOT NULL,
		parent_event_id     INTEGER NOT NULL DEFAULT 0,
		parent_execution_id INTEGER NOT NULL DEFAULT 0,
		event_type          TEXT NOT NULL,
		node_id             TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT '',
		timestamp           INTEGER NOT NULL,
		duration_ms         INTEGER NOT NULL DEFAULT 0,
		result              TEXT,
		context             TEXT,
		data                TEXT,
		meta                TEXT,
		dedup_key           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_execution ON event(execution_id, event_id)`,
	`CREATE TABLE IF NOT EXISTS event_dedup (
		execution_id INTEGER NOT NULL,
		dedup_key    TEXT NOT NULL,
		event_id     INTEGER NOT NULL,
		PRIMARY KEY (execution_id, dedup_key)
	)`,
	`CREATE TABLE IF NOT EXISTS queue (
		queue_id            INTEGER PRIMARY KEY,
		execution_id        INTEGER NOT NULL,
		parent_execution_id INTEGER NOT NULL DEFAULT 0,
		node_id             TEXT NOT NULL,
		kind                TEXT NOT NULL DEFAULT '',
		action              TEXT,
		status              TEXT NOT NULL,
		attempts            INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL DEFAULT 1,
		available_at        INTEGER NOT NULL,
		lease_until         INTEGER NOT NULL DEFAULT 0,
		worker_id           TEXT NOT NULL DEFAULT '',
		meta                TEXT,
		dedup_key           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue(status, available_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_execution ON queue(execution_id)`,
	`CREATE TABLE IF NOT EXISTS queue_dedup (
		execution_id INTEGER NOT NULL,
		dedup_key    TEXT NOT NULL,
		queue_id     INTEGER NOT NULL,
		PRIMARY KEY (execution_id, dedup_key)
	)`,
	`CREATE TABLE IF NOT EXISTS execution (
		execution_id        INTEGER PRIMARY KEY,
		parent_execution_id INTEGER NOT NULL DEFAULT 0,
		catalog_id          TEXT NOT NULL DEFAULT '',
		path                TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		start_time          INTEGER NOT NULL,
		end_time            INTEGER,
		workload            TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS runtime (
		runtime_id   INTEGER PRIMARY KEY,
		name         TEXT NOT NULL,
		kind         TEXT NOT NULL,
		uri          TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		labels       TEXT,
		capabilities TEXT,
		capacity     INTEGER NOT NULL DEFAULT 0,
		runtime      TEXT,
		heartbeat    INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		UNIQUE (kind, name)
	)`,
}

const sqliteUpsertExecution = `
	INSERT INTO execution
		(execution_id, parent_execution_id, catalog_id, path, status, start_time, end_time, workload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(execution_id) DO UPDATE SET
		parent_execution_id = excluded.parent_execution_id,
		catalog_id = excluded.catalog_id,
		path = excluded.path,
		status = excluded.status,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		workload = excluded.workload`

const sqliteUpsertRuntime = `
	INSERT INTO runtime
		(runtime_id, name, kind, uri, status, labels, capabilities, capacity, runtime, heartbeat, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, name) DO UPDATE SET
		uri = excluded.uri,
		status = excluded.status,
		labels = excluded.labels,
		capabilities = excluded.capabilities,
		capacity = excluded.capacity,
		runtime = excluded.runtime,
		heartbeat = excluded.heartbeat,
		updated_at = excluded.updated_at`

func onConflictIgnore(insert string) string {
	return insert + " ON CONFLICT DO NOTHING"
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store. Use
// ":memory:" for tests. WAL mode keeps readers unblocked; the single open
// connection serializes writers, which SQLite requires anyway.
func NewSQLiteStore(path string, ids ident.Source) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: sqlite schema: %w", err)
		}
	}

	return &sqlStore{
		db:  db,
		ids: ids,
		d: dialect{
			name:            "sqlite",
			rebind:          rebindQuestion,
			skipLocked:      false,
			insertIgnore:    onConflictIgnore,
			upsertExecution: sqliteUpsertExecution,
			upsertRuntime:   sqliteUpsertRuntime,
		},
	}, nil
}
