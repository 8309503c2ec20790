package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// 数据库驱动
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string // postgres | sqlite3
	Path     string // sqlite3 文件路径
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled Addr 为空时不使用 Redis
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// 双向 TLS 证书路径，全部为空表示明文（仅限本地 broker）
	CAPath   string
	CertPath string
	KeyPath  string

	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers string // 逗号分隔
	GroupID string

	// 双向 TLS 证书路径，全部为空表示明文（仅限本地 broker）
	CAPath   string
	CertPath string
	KeyPath  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", c.Path)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// TLSEnabled 是否配置了 TLS 证书材料
func (c *MQTTConfig) TLSEnabled() bool {
	return c.CAPath != "" || c.CertPath != "" || c.KeyPath != ""
}

// IsLocal broker 是否为本机回环地址
func (c *MQTTConfig) IsLocal() bool {
	return isLoopback(c.Broker)
}

// TLSEnabled 是否配置了 TLS 证书材料
func (c *KafkaConfig) TLSEnabled() bool {
	return c.CAPath != "" || c.CertPath != "" || c.KeyPath != ""
}

// IsLocal 所有 broker 均为本机回环地址；列表为空时返回 false
func (c *KafkaConfig) IsLocal() bool {
	brokers := strings.Split(c.Brokers, ",")
	seen := false
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b == "" {
			continue
		}
		seen = true
		if !isLoopback(b) {
			return false
		}
	}
	return seen
}

// isLoopback 解析 scheme://host:port、host:port 或 host
func isLoopback(addr string) bool {
	host := addr
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if driver := os.Getenv(prefix + "_DRIVER"); driver != "" {
		c.Driver = driver
	}
	if path := os.Getenv(prefix + "_PATH"); path != "" {
		c.Path = path
	}
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns := os.Getenv(prefix + "_MAX_CONNS"); maxConns != "" {
		fmt.Sscanf(maxConns, "%d", &c.MaxConns)
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if timeout := os.Getenv(prefix + "_CONNECT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.ConnectTimeout = d
		}
	}
}

// LoadFromEnv 从环境变量加载Kafka配置
func (c *KafkaConfig) LoadFromEnv(prefix string) {
	if brokers := os.Getenv(prefix + "_BROKERS"); brokers != "" {
		c.Brokers = brokers
	}
	if groupID := os.Getenv(prefix + "_GROUP_ID"); groupID != "" {
		c.GroupID = groupID
	}
	if caPath := os.Getenv(prefix + "_CA_PATH"); caPath != "" {
		c.CAPath = caPath
	}
	if certPath := os.Getenv(prefix + "_CERT_PATH"); certPath != "" {
		c.CertPath = certPath
	}
	if keyPath := os.Getenv(prefix + "_KEY_PATH"); keyPath != "" {
		c.KeyPath = keyPath
	}
}
