package service

import (
	"context"
	"fmt"

	"owl-telemetry/internal/cache"
	"owl-telemetry/internal/config"
	"owl-telemetry/internal/consumer"
	"owl-telemetry/internal/httpapi"
	"owl-telemetry/internal/models"
	"owl-telemetry/internal/notifier"
	"owl-telemetry/internal/repository"
	"owl-telemetry/internal/rules"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AlarmService 报警服务：独立订阅设备主题，评估规则，发布并通知
type AlarmService struct {
	*infra

	consumer  *consumer.AlarmConsumer
	notifier  *notifier.AsyncNotifier
	journal   *notifier.Journal
	app       *notifier.PolicyholderApp
	hub       *httpapi.Hub
	hubCancel context.CancelFunc
	server    *httpapi.Server
}

// NewAlarmService 创建报警服务
func NewAlarmService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*AlarmService, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	inf, err := newInfra(ctx, cfg, logger, o)
	if err != nil {
		return nil, err
	}
	s := &AlarmService{infra: inf}
	fail := func(err error) (*AlarmService, error) {
		_ = s.closeAll()
		return nil, err
	}

	// 创建Repository
	alertRepo := repository.NewAlertRepository(inf.db, inf.dialect, logger)
	endpointRepo := repository.NewEndpointRepository(inf.db, inf.dialect, logger)

	// 规则引擎
	engine, err := rules.NewEngine(cfg.Domain, rules.Options{COThresholdPPM: cfg.Alerts.COThresholdPPM})
	if err != nil {
		return fail(fmt.Errorf("failed to create rule engine: %w", err))
	}

	// 推送通知（未配置凭据时关闭）
	var alarmNotifier consumer.Notifier
	if cfg.NotifyEnabled() {
		fcm, err := notifier.NewFCMClient(notifier.FCMConfig{
			URL:         cfg.Notify.FCMURL,
			ServerKey:   cfg.Notify.ServerKey,
			AccessToken: cfg.Notify.AccessToken,
			RatePerSec:  cfg.Notify.RatePerSec,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create push client: %w", err))
		}
		dispatcher := notifier.NewDispatcher(endpointRepo, fcm, inf.metrics, logger)
		s.notifier = notifier.NewAsyncNotifier(dispatcher, notifier.TitleFor(cfg.Domain),
			cfg.Notify.Workers, cfg.Notify.QueueSize, inf.metrics, logger)
		alarmNotifier = s.notifier
	} else {
		logger.Warn("Push notifications disabled: FCM_SERVER_KEY or FCM_ACCESS_TOKEN not set")
	}

	// 报警旁路：日志文件、投保人 App、Redis Stream、WebSocket
	var sinks []consumer.AlertSink
	if cfg.Alerts.Path != "" {
		s.journal, err = notifier.NewJournal(cfg.Alerts.Path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s.journal)
	}
	if cfg.Domain == models.DomainHome {
		if cfg.App.AccessToken == "" && cfg.Alerts.Path == "" {
			logger.Warn("Policyholder app disabled: APP_TOKEN and ALERTS_PATH not set")
		} else {
			s.app, err = notifier.NewPolicyholderApp(notifier.AppConfig{
				URL:          cfg.App.URL,
				EnterpriseID: cfg.App.EnterpriseID,
				AccessToken:  cfg.App.AccessToken,
				StubDir:      cfg.Alerts.Path,
			}, logger)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s.app)
		}
	}
	if inf.redis != nil {
		sinks = append(sinks, cache.NewAlertStream(inf.redis, logger))
	}
	s.hub = httpapi.NewHub(logger)
	sinks = append(sinks, s.hub)

	// 创建Consumer
	s.consumer, err = consumer.NewAlarmConsumer(consumer.AlarmOptions{
		Options: consumer.Options{
			TenantID:       cfg.TenantID,
			Domain:         cfg.Domain,
			QueueSize:      cfg.Pipeline.QueueSize,
			HandlerTimeout: cfg.Pipeline.HandlerTimeout,
		},
		AlertTopic: cfg.AlertTopic(),
	}, inf.broker, engine, alertRepo, alarmNotifier, inf.metrics, logger, consumer.WithAlertSinks(sinks...))
	if err != nil {
		return fail(fmt.Errorf("failed to create alarm consumer: %w", err))
	}

	// 运维接口
	s.server = httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(httpapi.Deps{
		TenantID: cfg.TenantID,
		Domain:   cfg.Domain,
		Alerts:   alertRepo,
		Hub:      s.hub,
		Gatherer: inf.registry,
		Checks:   inf.healthChecks(),
	}, logger), logger)

	return s, nil
}

// Start 启动 WebSocket Hub、消费者与运维接口
func (s *AlarmService) Start(ctx context.Context) error {
	s.logger.Info("Starting alarm service components")

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alarm consumer: %w", err)
	}
	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("Ops HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Alarm service started successfully",
		zap.String("alert_topic", s.config.AlertTopic()),
		zap.Bool("push_enabled", s.notifier != nil),
	)
	return nil
}

// Stop 停止接收、排空队列与通知，然后断开连接
func (s *AlarmService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping alarm service")

	graceCtx, cancel := context.WithTimeout(ctx, s.config.Pipeline.ShutdownGrace)
	defer cancel()

	// 1. 消费者与 HTTP 并行停止
	var g errgroup.Group
	g.Go(func() error { return s.consumer.Stop(graceCtx) })
	g.Go(func() error { return s.server.Stop(graceCtx) })
	err := g.Wait()
	if err != nil {
		s.logger.Error("Error stopping alarm components", zap.Error(err))
	}

	// 2. 通知队列排空
	if s.notifier != nil {
		if nerr := s.notifier.Stop(graceCtx); nerr != nil {
			s.logger.Error("Error draining notifications", zap.Error(nerr))
			err = multierr.Append(err, nerr)
		}
	}

	// 3. 断开连接
	err = multierr.Append(err, s.closeAll())

	s.logger.Info("Alarm service stopped")
	return err
}

func (s *AlarmService) closeAll() error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	var err error
	if s.app != nil {
		err = multierr.Append(err, s.app.Close())
	}
	if s.journal != nil {
		err = multierr.Append(err, s.journal.Close())
	}
	return multierr.Append(err, s.infra.close())
}
