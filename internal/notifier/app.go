package notifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultAppURL 投保人 App 推送接口前缀
	DefaultAppURL = "https://fcm.googleapis.com/v1"
	// DefaultAppEnterpriseID 未配置 APP_ENTERPRISE_ID 时的应用路径
	DefaultAppEnterpriseID = "apps/project-default"
	appStubSuffix          = "_app_stubs.txt"
)

// AppConfig 投保人 App 集成配置
type AppConfig struct {
	URL          string
	EnterpriseID string
	AccessToken  string // 为空时只写本地 stub 文件
	StubDir      string
	Timeout      time.Duration
}

type appCommand struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

// PolicyholderApp 把报警转发到投保人 App；未配置 token 时追加到 {tenant}_app_stubs.txt
type PolicyholderApp struct {
	cfg        AppConfig
	httpClient *resty.Client
	logger     *zap.Logger

	mu    sync.Mutex
	stubs map[string]*zap.Logger
}

// NewPolicyholderApp 创建投保人 App 报警旁路
func NewPolicyholderApp(cfg AppConfig, logger *zap.Logger) (*PolicyholderApp, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultAppURL
	}
	if cfg.EnterpriseID == "" {
		cfg.EnterpriseID = DefaultAppEnterpriseID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AccessToken == "" {
		if cfg.StubDir == "" {
			return nil, fmt.Errorf("policyholder app: APP_TOKEN or ALERTS_PATH required")
		}
		if err := os.MkdirAll(cfg.StubDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create alerts dir: %w", err)
		}
		logger.Warn("Policyholder app token not set, alerts go to local stub files",
			zap.String("dir", cfg.StubDir))
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &PolicyholderApp{
		cfg:        cfg,
		httpClient: client,
		logger:     logger,
		stubs:      make(map[string]*zap.Logger),
	}, nil
}

// Record 实现 AlertSink
func (a *PolicyholderApp) Record(ctx context.Context, alert models.Alert) error {
	if a.cfg.AccessToken == "" {
		return a.writeStub(alert)
	}

	// 1. 组装设备路径
	path := fmt.Sprintf("/%s/devices/%s:send", strings.Trim(a.cfg.EnterpriseID, "/"), alert.Device)

	// 2. 发送
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetAuthToken(a.cfg.AccessToken).
		SetBody(appCommand{
			Command: "fcm.devices.commands.Notify",
			Params:  map[string]string{"notificationMessage": alert.Message},
		}).
		Post(path)
	if err != nil {
		return fmt.Errorf("failed to call policyholder app: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("policyholder app returned status %d: %s", resp.StatusCode(), resp.String())
	}

	a.logger.Debug("Sent alert to policyholder app",
		zap.String("tenant_id", alert.TenantID),
		zap.String("device", alert.Device),
	)
	return nil
}

func (a *PolicyholderApp) writeStub(alert models.Alert) error {
	stub, err := a.stubLogger(alert.TenantID)
	if err != nil {
		return err
	}
	stub.Info(alert.Message,
		zap.String("device", alert.Device),
		zap.String("event_id", alert.EventID),
		zap.Time("alert_time", alert.Timestamp),
	)
	return nil
}

func (a *PolicyholderApp) stubLogger(tenantID string) (*zap.Logger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.stubs[tenantID]; ok {
		return l, nil
	}
	l, err := logger.NewFileLogger(a.StubPath(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to open app stub file: %w", err)
	}
	a.stubs[tenantID] = l
	return l, nil
}

// StubPath 租户的 stub 文件路径
func (a *PolicyholderApp) StubPath(tenantID string) string {
	return filepath.Join(a.cfg.StubDir, tenantID+appStubSuffix)
}

// Close 刷盘
func (a *PolicyholderApp) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for _, l := range a.stubs {
		err = multierr.Append(err, l.Sync())
	}
	return err
}
