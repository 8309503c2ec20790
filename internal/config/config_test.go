package config

import (
	"testing"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(ServiceIngest)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.TenantID)
	assert.Equal(t, models.DomainHome, cfg.Domain)
	assert.Equal(t, TransportMQTT, cfg.Transport)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "telemetry-ingest-demo", cfg.MQTT.ClientID)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "smart_home.db", cfg.Database.Path)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "telemetry-ingestion-group", cfg.Kafka.GroupID)
	assert.Equal(t, 50.0, cfg.Alerts.COThresholdPPM)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.HandlerTimeout)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.ShutdownGrace)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "smart_home/alerts", cfg.AlertTopic())
	assert.False(t, cfg.BridgeEnabled())
	assert.False(t, cfg.NotifyEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_AlarmServiceUsesOwnIdentity(t *testing.T) {
	cfg, err := Load(ServiceAlarm)
	require.NoError(t, err)

	assert.Equal(t, "telemetry-alarm-demo", cfg.MQTT.ClientID)
	assert.Equal(t, "telemetry-alerts-group", cfg.Kafka.GroupID)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("TENANT_ID", "acme")
	t.Setenv("DOMAIN", models.DomainKitchen)
	t.Setenv("ALERT_TOPIC_PER_TENANT", "true")
	t.Setenv("KITCHEN_CO_THRESHOLD_PPM", "35")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SHUTDOWN_GRACE", "3s")
	t.Setenv("FCM_SERVER_KEY", "k")
	t.Setenv("BRIDGE_BROKER", "tcp://partner:1883")

	cfg, err := Load(ServiceAlarm)
	require.NoError(t, err)

	assert.Equal(t, "acme/smart_kitchen/alerts", cfg.AlertTopic())
	assert.Equal(t, 35.0, cfg.Alerts.COThresholdPPM)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 3*time.Second, cfg.Pipeline.ShutdownGrace)
	assert.True(t, cfg.NotifyEnabled())
	assert.True(t, cfg.BridgeEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_EndpointAndTLSPort(t *testing.T) {
	t.Setenv("MQTT_ENDPOINT", "abc123.iot.eu-west-1.amazonaws.com")
	t.Setenv("CA_PATH", "/certs/root-CA.crt")
	t.Setenv("CERT_PATH", "/certs/device.pem.crt")
	t.Setenv("KEY_PATH", "/certs/private.pem.key")

	cfg, err := Load(ServiceIngest)
	require.NoError(t, err)
	assert.Equal(t, "ssl://abc123.iot.eu-west-1.amazonaws.com:8883", cfg.MQTT.Broker)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MalformedValues(t *testing.T) {
	t.Setenv("QUEUE_SIZE", "lots")
	t.Setenv("HANDLER_TIMEOUT", "5")

	_, err := Load(ServiceIngest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "QUEUE_SIZE")
	assert.Contains(t, err.Error(), "HANDLER_TIMEOUT")
}

func TestValidate_RejectsRemoteBrokerWithoutTLS(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker.example.com:1883")

	cfg, err := Load(ServiceIngest)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "requires TLS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown domain", func(c *Config) { c.Domain = "smart_garage" }},
		{"empty tenant", func(c *Config) { c.TenantID = "" }},
		{"wildcard tenant", func(c *Config) { c.TenantID = "a/+" }},
		{"unknown transport", func(c *Config) { c.Transport = "amqp" }},
		{"kafka without brokers", func(c *Config) { c.Transport = TransportKafka; c.Kafka.Brokers = " " }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"zero threshold", func(c *Config) { c.Alerts.COThresholdPPM = 0 }},
		{"zero grace", func(c *Config) { c.Pipeline.ShutdownGrace = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(ServiceIngest)
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidate_RejectsRemoteKafkaWithoutTLS(t *testing.T) {
	t.Setenv("TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "localhost:9092,kafka.partner.example.com:9092")

	cfg, err := Load(ServiceIngest)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "requires TLS")

	t.Setenv("KAFKA_CA_PATH", "/certs/kafka-ca.pem")
	cfg, err = Load(ServiceIngest)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestLoad_KafkaSharesTLSMaterial(t *testing.T) {
	t.Setenv("CA_PATH", "/certs/root-CA.crt")
	t.Setenv("CERT_PATH", "/certs/device.pem.crt")
	t.Setenv("KEY_PATH", "/certs/private.pem.key")

	cfg, err := Load(ServiceAlarm)
	require.NoError(t, err)
	assert.Equal(t, "/certs/root-CA.crt", cfg.Kafka.CAPath)
	assert.Equal(t, "/certs/device.pem.crt", cfg.Kafka.CertPath)
	assert.Equal(t, "/certs/private.pem.key", cfg.Kafka.KeyPath)
	assert.True(t, cfg.Kafka.TLSEnabled())
}
