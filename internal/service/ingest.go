package service

import (
	"context"
	"fmt"

	"owl-telemetry/internal/bridge"
	"owl-telemetry/internal/cache"
	"owl-telemetry/internal/config"
	"owl-telemetry/internal/consumer"
	"owl-telemetry/internal/httpapi"
	"owl-telemetry/internal/repository"
	"owl-telemetry/owl-common/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestService 入库服务：订阅设备主题并写入 sensor_data
type IngestService struct {
	*infra

	bridge   transport.Broker
	consumer *consumer.IngestConsumer
	server   *httpapi.Server
}

// NewIngestService 创建入库服务
func NewIngestService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*IngestService, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	inf, err := newInfra(ctx, cfg, logger, o)
	if err != nil {
		return nil, err
	}
	s := &IngestService{infra: inf}

	// 创建Repository
	readingRepo := repository.NewReadingRepository(inf.db, inf.dialect, logger)

	// 可选：最新读数缓存、合作方转发
	var ingestOpts []consumer.IngestOption
	var latest *cache.LatestStore
	if inf.redis != nil {
		latest = cache.NewLatestStore(cache.NewRedisSnapshotStore(inf.redis), cfg.Cache.LatestTTL, logger)
		ingestOpts = append(ingestOpts, consumer.WithLatestCache(latest))
	}
	s.bridge = o.bridge
	if s.bridge == nil && cfg.BridgeEnabled() {
		s.bridge = connectBridge(cfg, logger)
	}
	if s.bridge != nil {
		ingestOpts = append(ingestOpts, consumer.WithForwarder(bridge.NewForwarder(s.bridge, logger)))
	}

	// 创建Consumer
	s.consumer, err = consumer.NewIngestConsumer(consumer.Options{
		TenantID:       cfg.TenantID,
		Domain:         cfg.Domain,
		QueueSize:      cfg.Pipeline.QueueSize,
		HandlerTimeout: cfg.Pipeline.HandlerTimeout,
	}, inf.broker, readingRepo, inf.metrics, logger, ingestOpts...)
	if err != nil {
		_ = s.closeAll()
		return nil, fmt.Errorf("failed to create ingest consumer: %w", err)
	}

	// 运维接口
	deps := httpapi.Deps{
		TenantID: cfg.TenantID,
		Domain:   cfg.Domain,
		Readings: readingRepo,
		Gatherer: inf.registry,
		Checks:   inf.healthChecks(),
	}
	if latest != nil {
		deps.Latest = latest
	}
	s.server = httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(deps, logger), logger)

	return s, nil
}

// Start 启动消费者与运维接口
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingest consumer: %w", err)
	}
	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("Ops HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Ingest service started successfully")
	return nil
}

// Stop 停止接收、排空队列，然后断开连接
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	graceCtx, cancel := context.WithTimeout(ctx, s.config.Pipeline.ShutdownGrace)
	defer cancel()

	// 1. 消费者与 HTTP 并行停止
	var g errgroup.Group
	g.Go(func() error { return s.consumer.Stop(graceCtx) })
	g.Go(func() error { return s.server.Stop(graceCtx) })
	err := g.Wait()
	if err != nil {
		s.logger.Error("Error stopping ingest components", zap.Error(err))
	}

	// 2. 断开连接
	err = multierr.Append(err, s.closeAll())

	s.logger.Info("Ingest service stopped")
	return err
}

func (s *IngestService) closeAll() error {
	if s.bridge != nil {
		s.bridge.Disconnect()
	}
	return s.infra.close()
}
