package mqtt

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"owl-telemetry/owl-common/config"
	"owl-telemetry/owl-common/transport"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultKeepAlive            = 30 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultOpTimeout            = 10 * time.Second
	disconnectQuiesceMs         = 250
)

// MessageHandler 消息处理函数类型
type MessageHandler = transport.MessageHandler

type subscription struct {
	qos     byte
	handler transport.MessageHandler
}

// Client MQTT客户端封装，可并发使用
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string]subscription
}

var _ transport.Broker = (*Client)(nil)

// NewClient 创建MQTT客户端并建立连接
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}

	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	c.client = mqtt.NewClient(opts)

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) options() (*mqtt.ClientOptions, error) {
	cfg := c.config
	opts := mqtt.NewClientOptions()

	broker := cfg.Broker
	if cfg.TLSEnabled() {
		tlsConfig, err := transport.NewTLSConfig(cfg.CAPath, cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, &transport.Error{Op: "connect", Err: err}
		}
		// 配置了 TLS 时不允许回退到明文
		broker = secureBroker(broker)
		opts.SetTLSConfig(tlsConfig)
	}
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// WaitTimeout 先于 paho 内部超时触发，保证超时错误可区分
	opts.SetConnectTimeout(2 * c.connectTimeout())
	opts.SetKeepAlive(durationOr(cfg.KeepAlive, defaultKeepAlive))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(durationOr(cfg.MaxReconnectInterval, defaultMaxReconnectInterval))
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.String("client_id", cfg.ClientID), zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("MQTT reconnecting", zap.String("broker", broker))
	})

	return opts, nil
}

func (c *Client) connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.connectTimeout()) {
		c.abandon()
		return &transport.Error{Op: "connect", Topic: c.config.Broker, Err: transport.ErrConnectTimeout}
	}
	if err := token.Error(); err != nil {
		c.abandon()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &transport.Error{Op: "connect", Topic: c.config.Broker, Err: transport.ErrConnectTimeout}
		}
		return &transport.Error{Op: "connect", Topic: c.config.Broker, Err: fmt.Errorf("%w: %v", transport.ErrConnectRefused, err)}
	}
	c.logger.Info("Connected to MQTT broker",
		zap.String("broker", c.config.Broker),
		zap.String("client_id", c.config.ClientID),
		zap.Bool("tls", c.config.TLSEnabled()),
	)
	return nil
}

// abandon 连接失败后终止 paho 的后台连接与自动重连，避免同一 ClientID 的旧会话残留
func (c *Client) abandon() {
	c.client.Disconnect(0)
}

// onConnect 重连后恢复所有订阅（clean session 不保留订阅）
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.mu.RUnlock()

	for topic, sub := range subs {
		token := client.Subscribe(topic, sub.qos, c.callback(sub.handler))
		if !token.WaitTimeout(defaultOpTimeout) || token.Error() != nil {
			c.logger.Error("Failed to restore MQTT subscription",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
			continue
		}
		c.logger.Info("Restored MQTT subscription", zap.String("topic", topic))
	}
}

func (c *Client) callback(handler transport.MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

// Subscribe 订阅主题，重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, c.callback(handler))
	if !token.WaitTimeout(defaultOpTimeout) {
		return &transport.Error{Op: "subscribe", Topic: topic, Err: errors.New("timed out")}
	}
	if err := token.Error(); err != nil {
		return &transport.Error{Op: "subscribe", Topic: topic, Err: err}
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultOpTimeout) {
		return &transport.Error{Op: "publish", Topic: topic, Err: errors.New("timed out")}
	}
	if err := token.Error(); err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultOpTimeout) {
		return &transport.Error{Op: "unsubscribe", Topic: strings.Join(topics, ","), Err: errors.New("timed out")}
	}
	if err := token.Error(); err != nil {
		return &transport.Error{Op: "unsubscribe", Topic: strings.Join(topics, ","), Err: err}
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesceMs)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) connectTimeout() time.Duration {
	return durationOr(c.config.ConnectTimeout, defaultConnectTimeout)
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
