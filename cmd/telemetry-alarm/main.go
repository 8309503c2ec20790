package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"owl-telemetry/internal/config"
	"owl-telemetry/internal/service"
	"owl-telemetry/owl-common/logger"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load(config.ServiceAlarm)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, config.ServiceAlarm)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting telemetry-alarm service",
		zap.String("tenant_id", cfg.TenantID),
		zap.String("domain", cfg.Domain),
		zap.String("transport", cfg.Transport),
		zap.String("alert_topic", cfg.AlertTopic()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	alarmService, err := service.NewAlarmService(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create alarm service", zap.Error(err))
	}

	// 启动服务
	if err := alarmService.Start(ctx); err != nil {
		_ = alarmService.Stop(context.Background())
		zapLogger.Fatal("Failed to start alarm service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := alarmService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
