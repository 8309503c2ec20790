package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediscommon "owl-telemetry/owl-common/redis"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 缓存键不存在或已过期
var ErrCacheMiss = errors.New("cache miss")

// SnapshotStore 设备快照存储（测试中可替换 Redis）
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// RedisSnapshotStore 基于 Redis 字符串键的快照存储
type RedisSnapshotStore struct {
	client *rediscommon.Client
}

// NewRedisSnapshotStore 创建 Redis 快照存储
func NewRedisSnapshotStore(client *rediscommon.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client}
}

// Load 读取快照；不存在时返回 ErrCacheMiss
func (s *RedisSnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return data, nil
}

// Save 写入快照并设置过期时间
func (s *RedisSnapshotStore) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}
