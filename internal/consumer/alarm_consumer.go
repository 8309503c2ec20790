package consumer

import (
	"context"
	"encoding/json"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"
	"owl-telemetry/internal/rules"
	"owl-telemetry/owl-common/transport"

	"go.uber.org/zap"
)

const alarmWorkerName = "alarm"

// Evaluator 报警规则评估
type Evaluator interface {
	Evaluate(r *models.Reading) (rules.Result, bool)
}

// AlertStore Alert 持久化
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *models.Alert) error
}

// AlertSink 报警旁路输出（日志文件、Redis Stream、WebSocket）
type AlertSink interface {
	Record(ctx context.Context, alert models.Alert) error
}

// Notifier 报警通知，必须不阻塞调用方
type Notifier interface {
	Notify(alert models.Alert)
}

// AlarmOptions 报警 worker 参数
type AlarmOptions struct {
	Options
	AlertTopic string
	Now        func() time.Time
}

// AlarmConsumer 独立订阅设备主题，评估规则并发布报警
type AlarmConsumer struct {
	*worker

	tenantID   string
	domain     string
	alertTopic string
	now        func() time.Time

	broker    transport.Broker
	evaluator Evaluator
	store     AlertStore
	notifier  Notifier
	sinks     []AlertSink
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// AlarmOption 可选依赖
type AlarmOption func(*AlarmConsumer)

// WithAlertSinks 追加报警旁路输出
func WithAlertSinks(sinks ...AlertSink) AlarmOption {
	return func(c *AlarmConsumer) { c.sinks = append(c.sinks, sinks...) }
}

// NewAlarmConsumer 创建报警消费者
func NewAlarmConsumer(
	opts AlarmOptions,
	broker transport.Broker,
	evaluator Evaluator,
	store AlertStore,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
	options ...AlarmOption,
) (*AlarmConsumer, error) {
	topics, err := models.DeviceTopics(opts.TenantID, opts.Domain)
	if err != nil {
		return nil, err
	}

	alertTopic := opts.AlertTopic
	if alertTopic == "" {
		alertTopic = models.AlertTopic(opts.TenantID, opts.Domain, false)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &AlarmConsumer{
		tenantID:   opts.TenantID,
		domain:     opts.Domain,
		alertTopic: alertTopic,
		now:        now,
		broker:     broker,
		evaluator:  evaluator,
		store:      store,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With(zap.String("worker", alarmWorkerName)),
	}
	for _, o := range options {
		o(c)
	}

	c.worker = &worker{
		name:       alarmWorkerName,
		broker:     broker,
		topics:     topics,
		dispatcher: NewKeyedDispatcher(alarmWorkerName, opts.QueueSize, opts.HandlerTimeout, c.handleMessage, m, c.logger),
		logger:     c.logger,
	}
	return c, nil
}

// Start 订阅设备主题
func (c *AlarmConsumer) Start(ctx context.Context) error {
	if err := c.start(); err != nil {
		return err
	}
	c.logger.Info("Alarm consumer started",
		zap.String("tenant_id", c.tenantID),
		zap.String("domain", c.domain),
		zap.String("alert_topic", c.alertTopic),
	)
	return nil
}

// Stop 取消订阅并在宽限期内处理完已接收的消息
func (c *AlarmConsumer) Stop(ctx context.Context) error {
	err := c.stop(ctx)
	c.logger.Info("Alarm consumer stopped")
	return err
}

// handleMessage 解析、评估、持久化、发布、通知
func (c *AlarmConsumer) handleMessage(ctx context.Context, topic string, payload []byte) {
	// 1. 独立解析（不与入库 worker 共享任何解析结果）
	reading, err := models.ParseReading(c.domain, c.tenantID, topic, payload)
	if err != nil {
		c.metrics.ParseErrors.WithLabelValues(alarmWorkerName).Inc()
		c.logger.Warn("Dropping malformed message", zap.String("topic", topic), zap.Error(err))
		return
	}
	c.metrics.MessagesReceived.WithLabelValues(alarmWorkerName, reading.Device).Inc()

	// 2. 规则评估
	result, ok := c.evaluator.Evaluate(reading)
	if !ok {
		return
	}
	alert := models.NewAlert(reading, result.Message, result.Severity, c.now())
	c.metrics.AlertsRaised.WithLabelValues(alert.Device, alert.Severity).Inc()

	// 3. 持久化失败不阻止发布
	if err := c.store.InsertAlert(ctx, &alert); err != nil {
		c.metrics.StoreErrors.WithLabelValues("insert_alert").Inc()
		c.logger.Error("Failed to store alert, continuing with delivery",
			zap.String("event_id", alert.EventID),
			zap.String("device", alert.Device),
			zap.Error(err),
		)
	}

	// 4. 发布到报警主题（至少一次）
	c.publish(alert)

	// 5. 旁路输出
	for _, sink := range c.sinks {
		if err := sink.Record(ctx, alert); err != nil {
			c.logger.Warn("Alert sink failed", zap.String("event_id", alert.EventID), zap.Error(err))
		}
	}

	// 6. 通知（异步）
	if c.notifier != nil {
		c.notifier.Notify(alert)
	}

	c.logger.Info("Alert raised",
		zap.String("event_id", alert.EventID),
		zap.String("device", alert.Device),
		zap.String("severity", alert.Severity),
		zap.String("message", alert.Message),
	)
}

func (c *AlarmConsumer) publish(alert models.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		c.logger.Error("Failed to encode alert", zap.String("event_id", alert.EventID), zap.Error(err))
		return
	}
	if err := c.broker.Publish(c.alertTopic, transport.AtLeastOnce, false, payload); err != nil {
		c.metrics.PublishErrors.WithLabelValues("alert_topic").Inc()
		c.logger.Error("Failed to publish alert",
			zap.String("topic", c.alertTopic),
			zap.String("event_id", alert.EventID),
			zap.Error(err),
		)
	}
}
