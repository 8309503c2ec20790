// Package notifier 将报警推送给租户登记的所有通知端点
package notifier

import (
	"context"
	"fmt"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 通知标题
const (
	TitleHome    = "Smart Home Alert"
	TitleKitchen = "Smart Kitchen Alert"
)

// TitleFor 域对应的通知标题
func TitleFor(domain string) string {
	if domain == models.DomainKitchen {
		return TitleKitchen
	}
	return TitleHome
}

// NotificationError 单个端点投递失败
type NotificationError struct {
	Token string
	Err   error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", maskToken(e.Token), e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// EndpointLister 查询租户的通知端点
type EndpointLister interface {
	ListByTenant(ctx context.Context, tenantID string) ([]models.Endpoint, error)
}

// PushProvider 向单个 token 发送推送
type PushProvider interface {
	Send(ctx context.Context, tenantID, token, title, body string) error
}

// Dispatcher 按端点顺序逐个投递，单个失败不影响其余端点，不重试
type Dispatcher struct {
	endpoints EndpointLister
	provider  PushProvider
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(endpoints EndpointLister, provider PushProvider, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints: endpoints,
		provider:  provider,
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch 向租户的每个端点尝试一次投递；返回的错误仅用于日志
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, title, body string) error {
	endpoints, err := d.endpoints.ListByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		d.metrics.Notifications.WithLabelValues("no_endpoints").Inc()
		d.logger.Warn("No notification endpoints for tenant", zap.String("tenant_id", tenantID))
		return nil
	}

	var errs error
	for _, ep := range endpoints {
		if err := d.provider.Send(ctx, tenantID, ep.Token, title, body); err != nil {
			d.metrics.Notifications.WithLabelValues("failed").Inc()
			d.logger.Warn("Push delivery failed",
				zap.String("tenant_id", tenantID),
				zap.Int64("endpoint_id", ep.ID),
				zap.Error(err),
			)
			errs = multierr.Append(errs, &NotificationError{Token: ep.Token, Err: err})
			continue
		}
		d.metrics.Notifications.WithLabelValues("sent").Inc()
		d.logger.Debug("Push delivered", zap.String("tenant_id", tenantID), zap.Int64("endpoint_id", ep.ID))
	}
	return errs
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
