package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"owl-telemetry/internal/config"
	"owl-telemetry/internal/httpapi"
	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/repository"
	"owl-telemetry/owl-common/database"
	kafkacommon "owl-telemetry/owl-common/kafka"
	mqttcommon "owl-telemetry/owl-common/mqtt"
	rediscommon "owl-telemetry/owl-common/redis"
	"owl-telemetry/owl-common/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	schemaTimeout       = 30 * time.Second
	connectRetryTimeout = 2 * time.Minute
)

// Option 服务构造选项
type Option func(*options)

type options struct {
	broker         transport.Broker
	bridge         transport.Broker
	connectBackOff backoff.BackOff
}

// WithBroker 使用已连接的 Broker（测试或嵌入时）
func WithBroker(b transport.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithBridgeBroker 使用已连接的合作方 Broker
func WithBridgeBroker(b transport.Broker) Option {
	return func(o *options) { o.bridge = b }
}

// WithConnectBackOff 覆盖启动连接的重试策略
func WithConnectBackOff(b backoff.BackOff) Option {
	return func(o *options) { o.connectBackOff = b }
}

// infra 入库与报警服务共用的基础设施句柄
type infra struct {
	config *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db      *sql.DB
	dialect database.Dialect
	redis   *rediscommon.Client
	broker  transport.Broker
}

func newInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts *options) (*infra, error) {
	inf := &infra{config: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = inf.close()
		}
	}()

	// 1. 指标
	inf.registry = prometheus.NewRegistry()
	inf.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	inf.metrics = metrics.New(inf.registry)

	// 2. 数据库与表结构
	var err error
	inf.db, inf.dialect, err = database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()
	if err := repository.InitSchema(schemaCtx, inf.db, inf.dialect); err != nil {
		return nil, err
	}
	logger.Info("Database ready", zap.String("driver", string(inf.dialect)))

	// 3. Redis（可选）
	if cfg.Redis.Enabled() {
		inf.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, inf.redis); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	// 4. 传输层
	if opts.broker != nil {
		inf.broker = opts.broker
	} else {
		inf.broker, err = connectTransport(ctx, cfg, opts.connectBackOff, logger)
		if err != nil {
			return nil, err
		}
	}

	ready = true
	return inf, nil
}

// connectTransport 建立 MQTT 或 Kafka 连接；TLS 配置错误不重试
func connectTransport(ctx context.Context, cfg *config.Config, b backoff.BackOff, logger *zap.Logger) (transport.Broker, error) {
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = connectRetryTimeout
		b = eb
	}

	var broker transport.Broker
	op := func() error {
		var err error
		switch cfg.Transport {
		case config.TransportKafka:
			broker, err = kafkacommon.NewClient(&cfg.Kafka, logger)
		default:
			broker, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		}
		if err != nil && transport.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Transport connect failed, retrying",
			zap.String("transport", cfg.Transport),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Transport, err)
	}
	return broker, nil
}

// connectBridge 连接合作方 broker；失败不阻止服务启动
func connectBridge(cfg *config.Config, logger *zap.Logger) transport.Broker {
	client, err := mqttcommon.NewClient(&cfg.Bridge, logger.With(zap.String("component", "bridge")))
	if err != nil {
		logger.Error("Partner bridge unavailable, forwarding disabled",
			zap.String("broker", cfg.Bridge.Broker),
			zap.Error(err),
		)
		return nil
	}
	return client
}

func (i *infra) healthChecks() []httpapi.HealthCheck {
	checks := []httpapi.HealthCheck{
		{Name: "database", Check: func(ctx context.Context) error { return i.db.PingContext(ctx) }},
		{Name: "transport", Check: func(context.Context) error {
			if !i.broker.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}},
	}
	if i.redis != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rediscommon.Ping(ctx, i.redis)
		}})
	}
	return checks
}

// close 断开传输层，关闭 Redis 与数据库
func (i *infra) close() error {
	var err error
	if i.broker != nil {
		i.broker.Disconnect()
	}
	if i.redis != nil {
		err = multierr.Append(err, rediscommon.Close(i.redis))
	}
	if i.db != nil {
		err = multierr.Append(err, database.Close(i.db))
	}
	return err
}
