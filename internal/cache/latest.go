// Package cache Redis 旁路：设备最新读数缓存与报警流
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"owl-telemetry/internal/models"

	"go.uber.org/zap"
)

// DefaultLatestTTL 最新读数缓存默认过期时间
const DefaultLatestTTL = 10 * time.Minute

// LatestKey 设备最新读数的缓存键
func LatestKey(tenantID, device string) string {
	return fmt.Sprintf("telemetry:%s:%s:latest", tenantID, device)
}

// LatestStore 设备最新读数缓存（入库成功后写入，运维 API 读取）
type LatestStore struct {
	store  SnapshotStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewLatestStore 创建最新读数缓存
func NewLatestStore(store SnapshotStore, ttl time.Duration, logger *zap.Logger) *LatestStore {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	return &LatestStore{store: store, ttl: ttl, logger: logger}
}

// SetLatest 写入设备最新读数；时间戳早于已缓存值的乱序消息不覆盖
func (s *LatestStore) SetLatest(ctx context.Context, r *models.Reading) error {
	key := LatestKey(r.TenantID, r.Device)

	current, err := s.GetLatest(ctx, r.TenantID, r.Device)
	switch {
	case err == nil && current.Timestamp.After(r.Timestamp):
		s.logger.Debug("Skipping stale reading for latest cache",
			zap.String("device", r.Device),
			zap.Time("cached", current.Timestamp),
			zap.Time("incoming", r.Timestamp),
		)
		return nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		s.logger.Warn("Failed to read latest cache, overwriting", zap.String("key", key), zap.Error(err))
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	return s.store.Save(ctx, key, data, s.ttl)
}

// GetLatest 读取设备最新读数；不存在时返回 ErrCacheMiss
func (s *LatestStore) GetLatest(ctx context.Context, tenantID, device string) (*models.Reading, error) {
	data, err := s.store.Load(ctx, LatestKey(tenantID, device))
	if err != nil {
		return nil, err
	}
	var r models.Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached reading: %w", err)
	}
	return &r, nil
}
