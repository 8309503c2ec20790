package notifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/logger"

	"go.uber.org/zap"
)

// JournalFileName 报警日志文件名
const JournalFileName = "alert_log.txt"

// Journal 以 JSON 行追加写入报警日志文件
type Journal struct {
	path   string
	logger *zap.Logger
}

// NewJournal 在 dir 下打开报警日志
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alerts dir: %w", err)
	}
	path := filepath.Join(dir, JournalFileName)
	l, err := logger.NewFileLogger(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert journal: %w", err)
	}
	return &Journal{path: path, logger: l}, nil
}

// Record 追加一条报警
func (j *Journal) Record(ctx context.Context, alert models.Alert) error {
	j.logger.Info(alert.Message,
		zap.String("event_id", alert.EventID),
		zap.String("tenant_id", alert.TenantID),
		zap.String("device", alert.Device),
		zap.String("severity", alert.Severity),
		zap.Time("alert_time", alert.Timestamp),
	)
	return nil
}

// Path 日志文件路径
func (j *Journal) Path() string {
	return j.path
}

// Close 刷盘
func (j *Journal) Close() error {
	return j.logger.Sync()
}
