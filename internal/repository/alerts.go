package repository

import (
	"context"
	"database/sql"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/database"

	"go.uber.org/zap"
)

const (
	insertAlertSQL = `INSERT INTO alerts (event_id, timestamp, device, message, severity, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	recentAlertsSQL = `SELECT event_id, timestamp, device, message, severity, tenant_id FROM alerts
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`
)

// AlertRepository alerts 表访问（仅追加）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger

	insertSQL string
	recentSQL string
}

// NewAlertRepository 创建 Alert 仓库
func NewAlertRepository(db *sql.DB, dialect database.Dialect, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:        db,
		logger:    logger,
		insertSQL: database.Rebind(dialect, insertAlertSQL),
		recentSQL: database.Rebind(dialect, recentAlertsSQL),
	}
}

// InsertAlert 写入一条报警
func (r *AlertRepository) InsertAlert(ctx context.Context, alert *models.Alert) error {
	if alert.TenantID == "" {
		return ErrTenantRequired
	}
	if alert.Device == "" {
		return ErrDeviceRequired
	}

	if _, err := r.db.ExecContext(ctx, r.insertSQL,
		alert.EventID,
		alert.Timestamp.UTC(),
		alert.Device,
		alert.Message,
		alert.Severity,
		alert.TenantID,
	); err != nil {
		return &StoreError{Op: "insert_alert", Err: err}
	}
	return nil
}

// RecentAlerts 按时间倒序返回租户最近的报警
func (r *AlertRepository) RecentAlerts(ctx context.Context, tenantID string, limit int) ([]models.Alert, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	rows, err := r.db.QueryContext(ctx, r.recentSQL, tenantID, clampLimit(limit))
	if err != nil {
		return nil, &StoreError{Op: "recent_alerts", Err: err}
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a  models.Alert
			ts time.Time
		)
		if err := rows.Scan(&a.EventID, &ts, &a.Device, &a.Message, &a.Severity, &a.TenantID); err != nil {
			return nil, &StoreError{Op: "recent_alerts", Err: err}
		}
		a.Timestamp = ts.UTC()
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "recent_alerts", Err: err}
	}
	return alerts, nil
}
