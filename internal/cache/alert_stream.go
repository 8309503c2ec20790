package cache

import (
	"context"

	"owl-telemetry/internal/models"
	rediscommon "owl-telemetry/owl-common/redis"

	"go.uber.org/zap"
)

// AlertStreamName 报警 Redis Stream
const AlertStreamName = "telemetry:alerts:stream"

// AlertStream 将报警追加到 Redis Stream，供下游服务消费
type AlertStream struct {
	client *rediscommon.Client
	stream string
	logger *zap.Logger
}

// NewAlertStream 创建报警流写入器
func NewAlertStream(client *rediscommon.Client, logger *zap.Logger) *AlertStream {
	return &AlertStream{client: client, stream: AlertStreamName, logger: logger}
}

// Record 追加一条报警
func (s *AlertStream) Record(ctx context.Context, alert models.Alert) error {
	id, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, alert)
	if err != nil {
		return err
	}
	s.logger.Debug("Alert appended to stream",
		zap.String("stream", s.stream),
		zap.String("stream_id", id),
		zap.String("event_id", alert.EventID),
	)
	return nil
}
