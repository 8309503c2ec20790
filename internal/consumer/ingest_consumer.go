package consumer

import (
	"context"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/transport"

	"go.uber.org/zap"
)

const ingestWorkerName = "ingest"

// ReadingStore Reading 持久化
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.Reading) error
}

// LatestCache 设备最新读数缓存
type LatestCache interface {
	SetLatest(ctx context.Context, reading *models.Reading) error
}

// Forwarder 将入库后的 Reading 转发到外部系统（合作方 broker）
type Forwarder interface {
	Forward(ctx context.Context, reading *models.Reading) error
}

// Options worker 参数
type Options struct {
	TenantID       string
	Domain         string
	QueueSize      int
	HandlerTimeout time.Duration
}

// IngestConsumer 订阅租户全部设备主题，将每条消息写入 sensor_data
type IngestConsumer struct {
	*worker

	tenantID  string
	domain    string
	store     ReadingStore
	cache     LatestCache
	forwarder Forwarder
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// IngestOption 可选依赖
type IngestOption func(*IngestConsumer)

// WithLatestCache 入库成功后刷新最新读数缓存
func WithLatestCache(cache LatestCache) IngestOption {
	return func(c *IngestConsumer) { c.cache = cache }
}

// WithForwarder 入库成功后转发
func WithForwarder(f Forwarder) IngestOption {
	return func(c *IngestConsumer) { c.forwarder = f }
}

// NewIngestConsumer 创建入库消费者
func NewIngestConsumer(
	opts Options,
	broker transport.Broker,
	store ReadingStore,
	m *metrics.Metrics,
	logger *zap.Logger,
	options ...IngestOption,
) (*IngestConsumer, error) {
	topics, err := models.DeviceTopics(opts.TenantID, opts.Domain)
	if err != nil {
		return nil, err
	}

	c := &IngestConsumer{
		tenantID: opts.TenantID,
		domain:   opts.Domain,
		store:    store,
		metrics:  m,
		logger:   logger.With(zap.String("worker", ingestWorkerName)),
	}
	for _, o := range options {
		o(c)
	}

	c.worker = &worker{
		name:       ingestWorkerName,
		broker:     broker,
		topics:     topics,
		dispatcher: NewKeyedDispatcher(ingestWorkerName, opts.QueueSize, opts.HandlerTimeout, c.handleMessage, m, c.logger),
		logger:     c.logger,
	}
	return c, nil
}

// Start 订阅设备主题
func (c *IngestConsumer) Start(ctx context.Context) error {
	if err := c.start(); err != nil {
		return err
	}
	c.logger.Info("Ingest consumer started",
		zap.String("tenant_id", c.tenantID),
		zap.String("domain", c.domain),
		zap.Int("topics", len(c.topics)),
	)
	return nil
}

// Stop 取消订阅并在宽限期内处理完已接收的消息
func (c *IngestConsumer) Stop(ctx context.Context) error {
	err := c.stop(ctx)
	c.logger.Info("Ingest consumer stopped")
	return err
}

// handleMessage 解析并写入一条 Reading；任何失败只记录日志，不向上传播
func (c *IngestConsumer) handleMessage(ctx context.Context, topic string, payload []byte) {
	// 1. 解析
	reading, err := models.ParseReading(c.domain, c.tenantID, topic, payload)
	if err != nil {
		c.metrics.ParseErrors.WithLabelValues(ingestWorkerName).Inc()
		c.logger.Warn("Dropping malformed message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return
	}
	c.metrics.MessagesReceived.WithLabelValues(ingestWorkerName, reading.Device).Inc()

	// 2. 入库（失败即丢弃，不重试）
	if err := c.store.InsertReading(ctx, reading); err != nil {
		c.metrics.StoreErrors.WithLabelValues("insert_reading").Inc()
		c.logger.Error("Failed to store reading",
			zap.String("topic", topic),
			zap.String("device", reading.Device),
			zap.Time("timestamp", reading.Timestamp),
			zap.Error(err),
		)
		return
	}
	c.metrics.ReadingsStored.Inc()

	c.logger.Debug("Ingested reading",
		zap.String("device", reading.Device),
		zap.Time("timestamp", reading.Timestamp),
	)

	// 3. 缓存与转发，失败不影响已入库的数据
	if c.cache != nil {
		if err := c.cache.SetLatest(ctx, reading); err != nil {
			c.logger.Warn("Failed to refresh latest reading cache", zap.String("device", reading.Device), zap.Error(err))
		}
	}
	if c.forwarder != nil {
		if err := c.forwarder.Forward(ctx, reading); err != nil {
			c.metrics.PublishErrors.WithLabelValues("bridge").Inc()
			c.logger.Warn("Failed to forward reading", zap.String("device", reading.Device), zap.Error(err))
		}
	}
}
