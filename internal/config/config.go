package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/config"
)

// 服务名（日志 service_name、默认 client ID）
const (
	ServiceIngest = "telemetry-ingest"
	ServiceAlarm  = "telemetry-alarm"
)

// 传输层
const (
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
)

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInsecureBroker = errors.New("remote broker requires TLS certificates (CA_PATH, CERT_PATH, KEY_PATH)")
)

// Config 遥测服务配置（入库与报警共用）
type Config struct {
	Service   string
	TenantID  string
	Domain    string
	Transport string

	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig

	// 合作方 broker，Broker 为空表示不转发
	Bridge config.MQTTConfig

	Notify struct {
		FCMURL      string
		ServerKey   string
		AccessToken string
		RatePerSec  float64
		Workers     int
		QueueSize   int
	}

	// 投保人 App，AccessToken 为空时写 stub 文件
	App struct {
		URL          string
		EnterpriseID string
		AccessToken  string
	}

	Alerts struct {
		Path           string // 报警日志目录，空表示不写文件
		TopicPerTenant bool
		COThresholdPPM float64
	}

	Pipeline struct {
		QueueSize      int
		HandlerTimeout time.Duration
		ShutdownGrace  time.Duration
	}

	Cache struct {
		LatestTTL time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置；service 决定默认 client ID、消费组和 HTTP 端口
func Load(service string) (*Config, error) {
	cfg := &Config{Service: service}
	var errs []string
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg.TenantID = getEnv("TENANT_ID", "demo")
	cfg.Domain = getEnv("DOMAIN", models.DomainHome)
	cfg.Transport = strings.ToLower(getEnv("TRANSPORT", TransportMQTT))

	// 数据库（默认 SQLite 单文件）
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = "smart_home.db"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "telemetry"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	// Redis（地址为空则关闭缓存和报警流）
	cfg.Redis.LoadFromEnv("REDIS")

	// MQTT
	cfg.MQTT.CAPath = getEnv("CA_PATH", "")
	cfg.MQTT.CertPath = getEnv("CERT_PATH", "")
	cfg.MQTT.KeyPath = getEnv("KEY_PATH", "")
	cfg.MQTT.Broker = brokerURL(cfg.MQTT.TLSEnabled())
	cfg.MQTT.ClientID = fmt.Sprintf("%s-%s", service, cfg.TenantID)
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.MaxReconnectInterval = 30 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	// Kafka（独立消费组，入库与报警各自收到全部消息）
	cfg.Kafka.Brokers = "localhost:9092"
	cfg.Kafka.GroupID = defaultGroupID(service)
	cfg.Kafka.CAPath = cfg.MQTT.CAPath
	cfg.Kafka.CertPath = cfg.MQTT.CertPath
	cfg.Kafka.KeyPath = cfg.MQTT.KeyPath
	cfg.Kafka.LoadFromEnv("KAFKA")

	// 合作方 broker
	cfg.Bridge.Broker = getEnv("BRIDGE_BROKER", "")
	cfg.Bridge.ClientID = fmt.Sprintf("sh-bridge-%s", cfg.TenantID)
	cfg.Bridge.Username = getEnv("BRIDGE_USERNAME", "")
	cfg.Bridge.Password = getEnv("BRIDGE_PASSWORD", "")
	cfg.Bridge.ConnectTimeout = 10 * time.Second
	cfg.Bridge.KeepAlive = 60 * time.Second
	cfg.Bridge.MaxReconnectInterval = 30 * time.Second

	// 通知
	cfg.Notify.FCMURL = getEnv("FCM_URL", "https://fcm.googleapis.com/fcm/send")
	cfg.Notify.ServerKey = getEnv("FCM_SERVER_KEY", "")
	cfg.Notify.AccessToken = getEnv("FCM_ACCESS_TOKEN", "")
	var err error
	cfg.Notify.RatePerSec, err = getEnvFloat("NOTIFY_RATE_PER_SEC", 10)
	fail(err)
	cfg.Notify.Workers, err = getEnvInt("NOTIFY_WORKERS", 2)
	fail(err)
	cfg.Notify.QueueSize, err = getEnvInt("NOTIFY_QUEUE_SIZE", 100)
	fail(err)

	// 投保人 App
	cfg.App.URL = getEnv("APP_URL", "https://fcm.googleapis.com/v1")
	cfg.App.EnterpriseID = getEnv("APP_ENTERPRISE_ID", "apps/project-default")
	cfg.App.AccessToken = getEnv("APP_TOKEN", "")

	// 报警
	cfg.Alerts.Path = getEnv("ALERTS_PATH", "alerts")
	cfg.Alerts.TopicPerTenant, err = getEnvBool("ALERT_TOPIC_PER_TENANT", false)
	fail(err)
	cfg.Alerts.COThresholdPPM, err = getEnvFloat("KITCHEN_CO_THRESHOLD_PPM", 50)
	fail(err)

	// 管道
	cfg.Pipeline.QueueSize, err = getEnvInt("QUEUE_SIZE", 256)
	fail(err)
	cfg.Pipeline.HandlerTimeout, err = getEnvDuration("HANDLER_TIMEOUT", 5*time.Second)
	fail(err)
	cfg.Pipeline.ShutdownGrace, err = getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)
	fail(err)

	cfg.Cache.LatestTTL, err = getEnvDuration("LATEST_TTL", 10*time.Minute)
	fail(err)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", defaultHTTPAddr(service))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate 启动前校验；远程 broker 未配置证书时拒绝启动
func (c *Config) Validate() error {
	if c.TenantID == "" || strings.ContainsAny(c.TenantID, "/+#") {
		return fmt.Errorf("%w: TENANT_ID %q must be non-empty and contain no topic separators", ErrInvalidConfig, c.TenantID)
	}
	if _, err := models.Devices(c.Domain); err != nil {
		return fmt.Errorf("%w: DOMAIN: %v", ErrInvalidConfig, err)
	}

	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("%w: MQTT broker is required", ErrInvalidConfig)
		}
		if !c.MQTT.IsLocal() && !c.MQTT.TLSEnabled() {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.MQTT.Broker, ErrInsecureBroker)
		}
	case TransportKafka:
		if strings.TrimSpace(c.Kafka.Brokers) == "" {
			return fmt.Errorf("%w: KAFKA_BROKERS is required", ErrInvalidConfig)
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("%w: KAFKA_GROUP_ID is required", ErrInvalidConfig)
		}
		if !c.Kafka.IsLocal() && !c.Kafka.TLSEnabled() {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.Kafka.Brokers, ErrInsecureBroker)
		}
	default:
		return fmt.Errorf("%w: TRANSPORT %q (want mqtt or kafka)", ErrInvalidConfig, c.Transport)
	}

	switch c.Database.Driver {
	case config.DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("%w: DB_PATH is required for sqlite3", ErrInvalidConfig)
		}
	case config.DriverPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("%w: DB_HOST and DB_NAME are required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: DB_DRIVER %q (want sqlite3 or postgres)", ErrInvalidConfig, c.Database.Driver)
	}

	if c.Alerts.COThresholdPPM <= 0 {
		return fmt.Errorf("%w: KITCHEN_CO_THRESHOLD_PPM must be positive", ErrInvalidConfig)
	}
	if c.Pipeline.ShutdownGrace <= 0 || c.Pipeline.HandlerTimeout <= 0 {
		return fmt.Errorf("%w: HANDLER_TIMEOUT and SHUTDOWN_GRACE must be positive", ErrInvalidConfig)
	}
	return nil
}

// AlertTopic 报警出站主题
func (c *Config) AlertTopic() string {
	return models.AlertTopic(c.TenantID, c.Domain, c.Alerts.TopicPerTenant)
}

// BridgeEnabled 是否转发到合作方 broker
func (c *Config) BridgeEnabled() bool {
	return c.Bridge.Broker != ""
}

// NotifyEnabled 是否配置了推送凭据
func (c *Config) NotifyEnabled() bool {
	return c.Notify.ServerKey != "" || c.Notify.AccessToken != ""
}

// brokerURL MQTT_BROKER 优先；否则由 MQTT_ENDPOINT + MQTT_PORT 组装，TLS 默认 8883
func brokerURL(tlsEnabled bool) string {
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		return broker
	}
	endpoint := getEnv("MQTT_ENDPOINT", "localhost")
	scheme, port := "tcp", "1883"
	if tlsEnabled {
		scheme, port = "ssl", "8883"
	}
	port = getEnv("MQTT_PORT", port)
	return fmt.Sprintf("%s://%s:%s", scheme, endpoint, port)
}

func defaultGroupID(service string) string {
	if service == ServiceAlarm {
		return "telemetry-alerts-group"
	}
	return "telemetry-ingestion-group"
}

func defaultHTTPAddr(service string) string {
	if service == ServiceAlarm {
		return ":8081"
	}
	return ":8080"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return i, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a number", key, value)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}
