package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultFCMURL FCM legacy HTTP 接口
const DefaultFCMURL = "https://fcm.googleapis.com/fcm/send"

var ErrNoCredentials = errors.New("fcm credentials not configured")

// FCMConfig 推送服务配置
type FCMConfig struct {
	URL         string
	ServerKey   string  // Authorization: key=...
	AccessToken string  // Authorization: Bearer ...（优先）
	RatePerSec  float64 // <=0 不限速
	Timeout     time.Duration
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
}

type fcmMessage struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// FCMClient 基于 resty 的 FCM 推送客户端
type FCMClient struct {
	httpClient *resty.Client
	url        string
	authHeader string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewFCMClient 创建 FCM 客户端；单次投递，不重试
func NewFCMClient(cfg FCMConfig, logger *zap.Logger) (*FCMClient, error) {
	var auth string
	switch {
	case cfg.AccessToken != "":
		auth = "Bearer " + cfg.AccessToken
	case cfg.ServerKey != "":
		auth = "key=" + cfg.ServerKey
	default:
		return nil, ErrNoCredentials
	}

	url := cfg.URL
	if url == "" {
		url = DefaultFCMURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &FCMClient{
		httpClient: client,
		url:        url,
		authHeader: auth,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}, nil
}

// Send 发送一条推送
func (c *FCMClient) Send(ctx context.Context, tenantID, token, title, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	msg := fcmMessage{
		To: token,
		Notification: fcmNotification{
			Title: title,
			Body:  body,
			Sound: "default",
		},
		Data: map[string]string{
			"tenant_id": tenantID,
			"type":      "alert",
		},
	}

	var result fcmResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Authorization", c.authHeader).
		SetBody(msg).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("failed to call FCM: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("FCM returned status %d", resp.StatusCode())
	}

	// legacy 接口在 200 响应体中报告单条失败
	if result.Failure > 0 {
		reason := "unknown"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		return fmt.Errorf("FCM rejected message: %s", reason)
	}
	return nil
}
