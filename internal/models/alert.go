package models

import (
	"time"

	"github.com/google/uuid"
)

// 报警级别
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert 由一条 Reading 触发的报警
type Alert struct {
	EventID   string    `json:"event_id" db:"event_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Device    string    `json:"device" db:"device"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"` // 报警产生时间，不是采样时间
	Message   string    `json:"message" db:"message"`
	Severity  string    `json:"severity" db:"severity"`
}

// NewAlert 用租户、设备和当前时间为规则结果盖章
func NewAlert(r *Reading, message, severity string, now time.Time) Alert {
	return Alert{
		EventID:   uuid.NewString(),
		TenantID:  r.TenantID,
		Device:    r.Device,
		Timestamp: now.UTC(),
		Message:   message,
		Severity:  severity,
	}
}

// Endpoint 租户的通知投递目标（推送 token）
type Endpoint struct {
	ID       int64  `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Token    string `json:"token" db:"token"`
}
