package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"owl-telemetry/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func reading(ts time.Time, temp float64) *models.Reading {
	return &models.Reading{
		TenantID:  "demo",
		Device:    "temperature_sensor",
		Timestamp: ts,
		Readings:  map[string]any{"temp_C": temp},
	}
}

func TestLatestStore_SetAndGet(t *testing.T) {
	mr, client := setupMiniRedis(t)
	store := NewLatestStore(NewRedisSnapshotStore(client), time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := store.GetLatest(ctx, "demo", "temperature_sensor")
	assert.ErrorIs(t, err, ErrCacheMiss)

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetLatest(ctx, reading(ts, 21)))

	got, err := store.GetLatest(ctx, "demo", "temperature_sensor")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, 21.0, got.Readings["temp_C"])

	assert.True(t, mr.Exists("telemetry:demo:temperature_sensor:latest"))
	assert.Equal(t, time.Minute, mr.TTL("telemetry:demo:temperature_sensor:latest"))

	mr.FastForward(2 * time.Minute)
	_, err = store.GetLatest(ctx, "demo", "temperature_sensor")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLatestStore_IgnoresOutOfOrderReading(t *testing.T) {
	_, client := setupMiniRedis(t)
	store := NewLatestStore(NewRedisSnapshotStore(client), 0, zap.NewNop())
	ctx := context.Background()

	t2 := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	t1 := t2.Add(-10 * time.Second)
	require.NoError(t, store.SetLatest(ctx, reading(t2, 25)))
	require.NoError(t, store.SetLatest(ctx, reading(t1, 20)))

	got, err := store.GetLatest(ctx, "demo", "temperature_sensor")
	require.NoError(t, err)
	assert.Equal(t, 25.0, got.Readings["temp_C"])
}

func TestLatestStore_RedisDown(t *testing.T) {
	mr, client := setupMiniRedis(t)
	store := NewLatestStore(NewRedisSnapshotStore(client), time.Minute, zap.NewNop())
	mr.Close()

	err := store.SetLatest(context.Background(), reading(time.Now(), 21))
	assert.Error(t, err)
}

func TestAlertStream_Record(t *testing.T) {
	mr, client := setupMiniRedis(t)
	stream := NewAlertStream(client, zap.NewNop())

	alert := models.Alert{
		EventID:   "evt-1",
		TenantID:  "demo",
		Device:    "smoke_detector",
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Message:   "Smoke detected! 65.2ppm - Potential fire risk.",
		Severity:  models.SeverityCritical,
	}
	require.NoError(t, stream.Record(context.Background(), alert))

	entries, err := mr.Stream(AlertStreamName)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := make(map[string]string)
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	require.Contains(t, values, "data")
	require.Contains(t, values, "timestamp")

	var got models.Alert
	require.NoError(t, json.Unmarshal([]byte(values["data"]), &got))
	assert.Equal(t, alert, got)
}
