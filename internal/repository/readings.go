package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/database"

	"go.uber.org/zap"
)

const (
	insertReadingSQL = `INSERT INTO sensor_data (timestamp, device, readings, tenant_id) VALUES ($1, $2, $3, $4)`

	recentReadingsSQL = `SELECT timestamp, device, readings, tenant_id FROM sensor_data
		WHERE tenant_id = $1 AND device = $2
		ORDER BY timestamp DESC, id DESC
		LIMIT $3`

	recentReadingsAllSQL = `SELECT timestamp, device, readings, tenant_id FROM sensor_data
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`
)

// ReadingRepository sensor_data 表访问（仅追加）
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger

	insertSQL    string
	recentSQL    string
	recentAllSQL string
}

// NewReadingRepository 创建 Reading 仓库
func NewReadingRepository(db *sql.DB, dialect database.Dialect, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:           db,
		logger:       logger,
		insertSQL:    database.Rebind(dialect, insertReadingSQL),
		recentSQL:    database.Rebind(dialect, recentReadingsSQL),
		recentAllSQL: database.Rebind(dialect, recentReadingsAllSQL),
	}
}

// InsertReading 追加一条 Reading，可并发调用
func (r *ReadingRepository) InsertReading(ctx context.Context, reading *models.Reading) error {
	if reading.TenantID == "" {
		return ErrTenantRequired
	}
	if reading.Device == "" {
		return ErrDeviceRequired
	}

	blob, err := reading.ReadingsJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal readings: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, r.insertSQL,
		reading.Timestamp.UTC(),
		reading.Device,
		string(blob),
		reading.TenantID,
	); err != nil {
		return &StoreError{Op: "insert_reading", Err: err}
	}
	return nil
}

// RecentReadings 按时间倒序返回最近的 Reading；device 为空时返回租户全部设备
func (r *ReadingRepository) RecentReadings(ctx context.Context, tenantID, device string, limit int) ([]models.Reading, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if device == "" {
		rows, err = r.db.QueryContext(ctx, r.recentAllSQL, tenantID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, r.recentSQL, tenantID, device, limit)
	}
	if err != nil {
		return nil, &StoreError{Op: "recent_readings", Err: err}
	}
	defer rows.Close()

	readings := make([]models.Reading, 0, limit)
	for rows.Next() {
		var (
			item models.Reading
			ts   time.Time
			blob []byte
		)
		if err := rows.Scan(&ts, &item.Device, &blob, &item.TenantID); err != nil {
			return nil, &StoreError{Op: "recent_readings", Err: err}
		}
		item.Timestamp = ts.UTC()
		if err := json.Unmarshal(blob, &item.Readings); err != nil {
			r.logger.Warn("Skipping reading with corrupt readings blob",
				zap.String("tenant_id", item.TenantID),
				zap.String("device", item.Device),
				zap.Error(err),
			)
			continue
		}
		readings = append(readings, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "recent_readings", Err: err}
	}
	return readings, nil
}
