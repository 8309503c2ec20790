package repository

import (
	"context"
	"database/sql"
	"fmt"

	"owl-telemetry/owl-common/database"
)

// 表结构初始化的 advisory lock key（Postgres）
const schemaLockKey = 0x6f776c74656c

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_data (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		device TEXT NOT NULL,
		readings JSONB NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT 'demo'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_data_tenant_device_ts ON sensor_data (tenant_id, device, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		device TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		tenant_id TEXT NOT NULL DEFAULT 'demo'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_tenant_ts ON alerts (tenant_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_endpoints (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		token TEXT NOT NULL,
		UNIQUE (tenant_id, token)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		device TEXT NOT NULL,
		readings TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT 'demo'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_data_tenant_device_ts ON sensor_data (tenant_id, device, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		device TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		tenant_id TEXT NOT NULL DEFAULT 'demo'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_tenant_ts ON alerts (tenant_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_endpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		token TEXT NOT NULL,
		UNIQUE (tenant_id, token)
	)`,
}

// InitSchema 幂等建表，在任何 worker 启动前调用一次
// 两个服务可能同时首次启动，DDL 在一个事务内执行（Postgres 额外持有 advisory lock）
func InitSchema(ctx context.Context, db *sql.DB, dialect database.Dialect) error {
	statements := postgresSchema
	if dialect == database.SQLite {
		statements = sqliteSchema
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "init_schema", Err: err}
	}
	defer tx.Rollback()

	if dialect == database.Postgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockKey); err != nil {
			return &StoreError{Op: "init_schema", Err: fmt.Errorf("acquire schema lock: %w", err)}
		}
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &StoreError{Op: "init_schema", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "init_schema", Err: err}
	}
	return nil
}
