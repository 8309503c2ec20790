package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"
	"owl-telemetry/internal/rules"
	"owl-telemetry/owl-common/transport"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenant = "demo"

var fixedNow = time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC)

func homeTopic(device string) string {
	return models.DeviceTopic(testTenant, models.DomainHome, device)
}

func setupIngest(t *testing.T, options ...IngestOption) (*IngestConsumer, *fakeBroker, *fakeReadingStore, *metrics.Metrics) {
	t.Helper()
	broker := newFakeBroker()
	store := &fakeReadingStore{}
	m := metrics.NewNop()
	c, err := NewIngestConsumer(Options{TenantID: testTenant, Domain: models.DomainHome}, broker, store, m, zap.NewNop(), options...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c, broker, store, m
}

func setupAlarm(t *testing.T, options ...AlarmOption) (*AlarmConsumer, *fakeBroker, *fakeAlertStore, *fakeNotifier, *metrics.Metrics) {
	t.Helper()
	broker := newFakeBroker()
	store := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	m := metrics.NewNop()
	engine, err := rules.NewEngine(models.DomainHome, rules.Options{})
	require.NoError(t, err)

	c, err := NewAlarmConsumer(AlarmOptions{
		Options: Options{TenantID: testTenant, Domain: models.DomainHome},
		Now:     func() time.Time { return fixedNow },
	}, broker, engine, store, notifier, m, zap.NewNop(), options...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c, broker, store, notifier, m
}

func stop(t *testing.T, c interface{ Stop(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestIngestConsumer_SubscribesAllDeviceTopics(t *testing.T) {
	c, broker, _, _ := setupIngest(t)
	defer stop(t, c)

	assert.ElementsMatch(t, []string{
		"demo/smart_home/smoke_detector",
		"demo/smart_home/water_sensor",
		"demo/smart_home/door_sensor",
		"demo/smart_home/temperature_sensor",
		"demo/smart_home/humidity_sensor",
		"demo/smart_home/motion_detector",
	}, broker.Subscribed())
	assert.Equal(t, StateRunning, c.State())
}

func TestIngestConsumer_StoresReading(t *testing.T) {
	cache := &fakeCache{}
	fwd := &fakeForwarder{}
	c, broker, store, m := setupIngest(t, WithLatestCache(cache), WithForwarder(fwd))

	require.NoError(t, broker.Deliver(homeTopic("temperature_sensor"),
		`{"device":"temperature_sensor","timestamp":"2024-01-01T12:00:00","readings":{"temp_C":21}}`))
	stop(t, c)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, testTenant, rows[0].TenantID)
	assert.Equal(t, "temperature_sensor", rows[0].Device)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, 21.0, rows[0].Readings["temp_C"])

	assert.Contains(t, cache.latest, "temperature_sensor")
	assert.Len(t, fwd.readings, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadingsStored))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestIngestConsumer_MalformedPayloadsDoNotStopLoop(t *testing.T) {
	c, broker, store, m := setupIngest(t)

	topic := homeTopic("door_sensor")
	for _, payload := range []string{
		`not json`,
		`{"timestamp":"2024-01-01T12:00:00","readings":{}}`,
		`{"device":"toaster","timestamp":"2024-01-01T12:00:00","readings":{}}`,
		`{"device":"door_sensor","timestamp":"yesterday","readings":{}}`,
		`{"device":"door_sensor","timestamp":"2024-01-01T12:00:00"}`,
	} {
		require.NoError(t, broker.Deliver(topic, payload))
	}
	require.NoError(t, broker.Deliver(topic,
		`{"device":"door_sensor","timestamp":"2024-01-01T12:00:01","readings":{"state":"closed"}}`))
	stop(t, c)

	assert.Len(t, store.Rows(), 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ParseErrors.WithLabelValues(ingestWorkerName)))
}

func TestIngestConsumer_DuplicateDeliveryStoresTwice(t *testing.T) {
	c, broker, store, _ := setupIngest(t)

	payload := `{"device":"motion_detector","timestamp":"2024-01-01T12:00:00","readings":{"motion_detected":false}}`
	require.NoError(t, broker.Deliver(homeTopic("motion_detector"), payload))
	require.NoError(t, broker.Deliver(homeTopic("motion_detector"), payload))
	stop(t, c)

	assert.Len(t, store.Rows(), 2)
}

func TestIngestConsumer_StoreFailureIsCounted(t *testing.T) {
	fwd := &fakeForwarder{}
	c, broker, store, m := setupIngest(t, WithForwarder(fwd))
	store.err = errors.New("disk full")

	require.NoError(t, broker.Deliver(homeTopic("humidity_sensor"),
		`{"device":"humidity_sensor","timestamp":"2024-01-01T12:00:00","readings":{"humidity_percent":40}}`))
	stop(t, c)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("insert_reading")))
	assert.Empty(t, fwd.readings, "nothing is forwarded when the store rejects the reading")
}

func TestIngestConsumer_StartRollsBackOnSubscribeFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.subscribeErr[homeTopic("door_sensor")] = &transport.Error{Op: "subscribe", Topic: homeTopic("door_sensor"), Err: transport.ErrNotConnected}

	c, err := NewIngestConsumer(Options{TenantID: testTenant, Domain: models.DomainHome}, broker, &fakeReadingStore{}, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, broker.Subscribed())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNewIngestConsumer_UnknownDomain(t *testing.T) {
	_, err := NewIngestConsumer(Options{TenantID: testTenant, Domain: "smart_garage"}, newFakeBroker(), &fakeReadingStore{}, metrics.NewNop(), zap.NewNop())
	assert.ErrorIs(t, err, models.ErrUnknownDomain)
}

func TestAlarmConsumer_SmokeRaisesCriticalAlert(t *testing.T) {
	sink := &fakeSink{}
	c, broker, store, notifier, m := setupAlarm(t, WithAlertSinks(sink))

	require.NoError(t, broker.Deliver(homeTopic("smoke_detector"),
		`{"device":"smoke_detector","timestamp":"2024-01-01T12:00:00","readings":{"smoke_ppm":65.2,"alarm":false}}`))
	stop(t, c)

	rows := store.Rows()
	require.Len(t, rows, 1)
	alert := rows[0]
	assert.NotEmpty(t, alert.EventID)
	assert.Equal(t, testTenant, alert.TenantID)
	assert.Equal(t, "smoke_detector", alert.Device)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, "Smoke detected! 65.2ppm - Potential fire risk.", alert.Message)
	assert.Equal(t, fixedNow, alert.Timestamp)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "smart_home/alerts", published[0].topic)
	assert.Equal(t, transport.AtLeastOnce, published[0].qos)
	assert.False(t, published[0].retained)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(published[0].payload, &wire))
	assert.Equal(t, alert.EventID, wire["event_id"])
	assert.Equal(t, "demo", wire["tenant_id"])
	assert.Equal(t, "critical", wire["severity"])
	assert.Equal(t, "2024-01-01T12:00:05Z", wire["timestamp"])

	require.Len(t, notifier.Alerts(), 1)
	assert.Equal(t, alert.EventID, notifier.Alerts()[0].EventID)
	assert.Len(t, sink.alerts, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("smoke_detector", "critical")))
}

func TestAlarmConsumer_NormalReadingRaisesNothing(t *testing.T) {
	c, broker, store, notifier, _ := setupAlarm(t)

	require.NoError(t, broker.Deliver(homeTopic("temperature_sensor"),
		`{"device":"temperature_sensor","timestamp":"2024-01-01T12:00:00","readings":{"temp_C":21}}`))
	stop(t, c)

	assert.Empty(t, store.Rows())
	assert.Empty(t, broker.Published())
	assert.Empty(t, notifier.Alerts())
}

func TestAlarmConsumer_DoorOpenWarning(t *testing.T) {
	c, broker, store, _, _ := setupAlarm(t)

	require.NoError(t, broker.Deliver(homeTopic("door_sensor"),
		`{"device":"door_sensor","timestamp":"2024-01-01T12:00:00","readings":{"state":"open"}}`))
	stop(t, c)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.SeverityWarning, rows[0].Severity)
	assert.Equal(t, "Door left open - Security breach or ventilation issue.", rows[0].Message)
}

func TestAlarmConsumer_DuplicateDeliveryRaisesTwice(t *testing.T) {
	c, broker, store, _, _ := setupAlarm(t)

	payload := `{"device":"water_sensor","timestamp":"2024-01-01T12:00:00","readings":{"leak_detected":true}}`
	require.NoError(t, broker.Deliver(homeTopic("water_sensor"), payload))
	require.NoError(t, broker.Deliver(homeTopic("water_sensor"), payload))
	stop(t, c)

	rows := store.Rows()
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].EventID, rows[1].EventID)
	assert.Len(t, broker.Published(), 2)
}

func TestAlarmConsumer_PublishesWhenStoreFails(t *testing.T) {
	c, broker, store, notifier, m := setupAlarm(t)
	store.err = errors.New("database is locked")

	require.NoError(t, broker.Deliver(homeTopic("motion_detector"),
		`{"device":"motion_detector","timestamp":"2024-01-01T12:00:00","readings":{"motion_detected":true}}`))
	stop(t, c)

	assert.Empty(t, store.Rows())
	assert.Len(t, broker.Published(), 1)
	assert.Len(t, notifier.Alerts(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("insert_alert")))
}

func TestAlarmConsumer_PublishFailureStillNotifies(t *testing.T) {
	c, broker, store, notifier, m := setupAlarm(t)
	broker.publishErr = transport.ErrNotConnected

	require.NoError(t, broker.Deliver(homeTopic("smoke_detector"),
		`{"device":"smoke_detector","timestamp":"2024-01-01T12:00:00","readings":{"alarm":true}}`))
	stop(t, c)

	assert.Len(t, store.Rows(), 1)
	assert.Len(t, notifier.Alerts(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("alert_topic")))
}

func TestAlarmConsumer_MalformedPayloadSkipped(t *testing.T) {
	c, broker, store, _, m := setupAlarm(t)

	require.NoError(t, broker.Deliver(homeTopic("smoke_detector"), `{"device":`))
	require.NoError(t, broker.Deliver(homeTopic("smoke_detector"),
		`{"device":"smoke_detector","timestamp":"2024-01-01T12:00:00","readings":{"smoke_ppm":80}}`))
	stop(t, c)

	assert.Len(t, store.Rows(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors.WithLabelValues(alarmWorkerName)))
}

func TestAlarmConsumer_KitchenPerTenantTopic(t *testing.T) {
	broker := newFakeBroker()
	store := &fakeAlertStore{}
	engine, err := rules.NewEngine(models.DomainKitchen, rules.Options{COThresholdPPM: 30})
	require.NoError(t, err)

	c, err := NewAlarmConsumer(AlarmOptions{
		Options:    Options{TenantID: testTenant, Domain: models.DomainKitchen},
		AlertTopic: models.AlertTopic(testTenant, models.DomainKitchen, true),
	}, broker, engine, store, nil, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, broker.Deliver(models.DeviceTopic(testTenant, models.DomainKitchen, "microwave"),
		`{"device":"microwave","timestamp":"2024-01-01T12:00:00","temperature_C":40,"CO_ppm":35}`))
	stop(t, c)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "microwave - CO spiked to 35.0ppm!", rows[0].Message)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "demo/smart_kitchen/alerts", published[0].topic)
}

func TestIngestConsumer_AcksOnlyAfterStore(t *testing.T) {
	broker := newAckBroker()
	store := &gatedReadingStore{release: make(chan struct{})}
	c, err := NewIngestConsumer(Options{TenantID: testTenant, Domain: models.DomainHome}, broker, store, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, broker.Subscribed(), "ack-capable transports use SubscribeWithAck")

	acked := make(chan int, 1)
	require.NoError(t, broker.DeliverWithAck(homeTopic("temperature_sensor"),
		`{"timestamp":"2024-01-01T12:00:00","device":"temperature_sensor","readings":{"temp_C":21}}`,
		func() { acked <- len(store.Rows()) }))

	select {
	case <-acked:
		t.Fatal("message acknowledged before it was stored")
	case <-time.After(100 * time.Millisecond):
	}

	close(store.release)
	select {
	case rows := <-acked:
		assert.Equal(t, 1, rows)
	case <-time.After(2 * time.Second):
		t.Fatal("message never acknowledged")
	}
	stop(t, c)
}
