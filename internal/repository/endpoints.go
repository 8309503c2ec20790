package repository

import (
	"context"
	"database/sql"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/database"

	"go.uber.org/zap"
)

const listEndpointsSQL = `SELECT id, tenant_id, token FROM notification_endpoints WHERE tenant_id = $1 ORDER BY id`

// EndpointRepository notification_endpoints 只读访问（注册流程在外部）
type EndpointRepository struct {
	db      *sql.DB
	logger  *zap.Logger
	listSQL string
}

// NewEndpointRepository 创建 Endpoint 仓库
func NewEndpointRepository(db *sql.DB, dialect database.Dialect, logger *zap.Logger) *EndpointRepository {
	return &EndpointRepository{
		db:      db,
		logger:  logger,
		listSQL: database.Rebind(dialect, listEndpointsSQL),
	}
}

// ListByTenant 返回租户的全部通知端点
func (r *EndpointRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.Endpoint, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	rows, err := r.db.QueryContext(ctx, r.listSQL, tenantID)
	if err != nil {
		return nil, &StoreError{Op: "list_endpoints", Err: err}
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		var ep models.Endpoint
		if err := rows.Scan(&ep.ID, &ep.TenantID, &ep.Token); err != nil {
			return nil, &StoreError{Op: "list_endpoints", Err: err}
		}
		if ep.Token == "" {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_endpoints", Err: err}
	}
	return endpoints, nil
}
