package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/loomworks/loom/ident"
)

// mysqlSchema bootstraps on first open. Indexed text columns are
// VARCHAR(191) so the unique keys stay inside utf8mb4 index limits;
// timestamps are epoch microseconds like the other backends.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS event (
		event_id            BIGINT PRIMARY KEY,
		execution_id        BIGINT NOT NULL,
		parent_event_id     BIGINT NOT NULL DEFAULT 0,
		parent_execution_id BIGINT NOT NULL DEFAULT 0,
		event_type          VARCHAR(64) NOT NULL,
		node_id             VARCHAR(191) NOT NULL DEFAULT '',
		status              VARCHAR(32) NOT NULL DEFAULT '',
		timestamp           BIGINT NOT NULL,
		duration_ms         BIGINT NOT NULL DEFAULT 0,
		result              JSON,
		context             JSON,
		data                JSON,
		meta                JSON,
		dedup_key           VARCHAR(191) NOT NULL DEFAULT '',
		INDEX idx_event_execution (execution_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS event_dedup (
		execution_id BIGINT NOT NULL,
		dedup_key    VARCHAR(191) NOT NULL,
		event_id     BIGINT NOT NULL,
		PRIMARY KEY (execution_id, dedup_key)
	)`,
	`CREATE TABLE IF NOT EXISTS queue (
		queue_id            BIGINT PRIMARY KEY,
		execution_id        BIGINT NOT NULL,
		parent_execution_id BIGINT NOT NULL DEFAULT 0,
		node_id             VARCHAR(191) NOT NULL,
		kind                VARCHAR(64) NOT NULL DEFAULT '',
		action              JSON,
		status              VARCHAR(16) NOT NULL,
		attempts            INT NOT NULL DEFAULT 0,
		max_attempts        INT NOT NULL DEFAULT 1,
		available_at        BIGINT NOT NULL,
		lease_until         BIGINT NOT NULL DEFAULT 0,
		worker_id           VARCHAR(191) NOT NULL DEFAULT '',
		meta                JSON,
		dedup_key           VARCHAR(191) NOT NULL DEFAULT '',
		INDEX idx_queue_ready (status, available_at),
		INDEX idx_queue_execution (execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS queue_dedup (
		execution_id BIGINT NOT NULL,
		dedup_key    VARCHAR(191) NOT NULL,
		queue_id     BIGINT NOT NULL,
		PRIMARY KEY (execution_id, dedup_key)
	)`,
	`CREATE TABLE IF NOT EXISTS execution (
		execution_id        BIGINT PRIMARY KEY,
		parent_execution_id BIGINT NOT NULL DEFAULT 0,
		catalog_id          VARCHAR(191) NOT NULL DEFAULT '',
		path                VARCHAR(512) NOT NULL DEFAULT '',
		status              VARCHAR(16) NOT NULL,
		start_time          BIGINT NOT NULL,
		end_time            BIGINT,
		workload            JSON
	)`,
	`CREATE TABLE IF NOT EXISTS runtime (
		runtime_id   BIGINT PRIMARY KEY,
		name         VARCHAR(191) NOT NULL,
		kind         VARCHAR(32) NOT NULL,
		uri          VARCHAR(512) NOT NULL DEFAULT '',
		status       VARCHAR(16) NOT NULL,
		labels       JSON,
		capabilities JSON,
		capacity     INT NOT NULL DEFAULT 0,
		runtime      JSON,
		heartbeat    BIGINT NOT NULL,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		UNIQUE KEY uq_runtime_kind_name (kind, name)
	)`,
}

const mysqlUpsertExecution = `
	INSERT INTO execution
		(execution_id, parent_execution_id, catalog_id, path, status, start_time, end_time, workload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		parent_execution_id = VALUES(parent_execution_id),
		catalog_id = VALUES(catalog_id),
		path = VALUES(path),
		status = VALUES(status),
		start_time = VALUES(start_time),
		end_time = VALUES(end_time),
		workload = VALUES(workload)`

const mysqlUpsertRuntime = `
	INSERT INTO runtime
		(runtime_id, name, kind, uri, status, labels, capabilities, capacity, runtime, heartbeat, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		uri = VALUES(uri),
		status = VALUES(status),
		labels = VALUES(labels),
		capabilities = VALUES(capabilities),
		capacity = VALUES(capacity),
		runtime = VALUES(runtime),
		heartbeat = VALUES(heartbeat),
		updated_at = VALUES(updated_at)`

func insertIgnoreMySQL(insert string) string {
	return strings.Replace(insert, "INSERT INTO", "INSERT IGNORE INTO", 1)
}

// NewMySQLStore connects to MySQL with a go-sql-driver DSN, for example
// "loom:loom@tcp(localhost:3306)/loom?parseTime=true". Lease scans use
// FOR UPDATE SKIP LOCKED (MySQL 8.0+).
func NewMySQLStore(dsn string, ids ident.Source) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(3 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	for _, stmt := range mysqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: mysql schema: %w", err)
		}
	}

	return &sqlStore{
		db:  db,
		ids: ids,
		d: dialect{
			name:            "mysql",
			rebind:          rebindQuestion,
			skipLocked:      true,
			insertIgnore:    insertIgnoreMySQL,
			upsertExecution: mysqlUpsertExecution,
			upsertRuntime:   mysqlUpsertRuntime,
		},
	}, nil
}
