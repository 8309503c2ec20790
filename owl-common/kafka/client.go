package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"owl-telemetry/owl-common/config"
	"owl-telemetry/owl-common/transport"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	readMaxWait    = 500 * time.Millisecond
	commitTimeout  = 5 * time.Second
	commitInterval = 0 // 同步提交，ack 时才写入 offset
)

type reader struct {
	r      *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// Client 基于 Kafka 的 transport.Broker 实现
// 每个订阅对应一个消费者组 reader，主题路径中的 "/" 映射为 "."
type Client struct {
	brokers []string
	groupID string
	dialer  *kafka.Dialer
	writer  *kafka.Writer
	logger  *zap.Logger

	mu       sync.Mutex
	readers  map[string]*reader
	draining []*reader // 已停止拉取、等待最后的 ack 提交
	closed   bool
}

var (
	_ transport.Broker        = (*Client)(nil)
	_ transport.AckSubscriber = (*Client)(nil)
)

// ParseBrokers 解析逗号分隔的 broker 列表
func ParseBrokers(brokers string) []string {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return list
}

// TopicName 将 MQTT 风格的主题路径转换为合法的 Kafka 主题名
func TopicName(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// NewClient 创建 Kafka 客户端，并探测第一个可用 broker
func NewClient(cfg *config.KafkaConfig, logger *zap.Logger) (*Client, error) {
	brokers := ParseBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka group id cannot be empty")
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		var err error
		tlsConfig, err = transport.NewTLSConfig(cfg.CAPath, cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, &transport.Error{Op: "connect", Topic: cfg.Brokers, Err: err}
		}
	}
	dialer := &kafka.Dialer{
		Timeout:   dialTimeout,
		DualStack: true,
		TLS:       tlsConfig,
	}

	if err := dialAny(dialer, brokers); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			DialTimeout: dialTimeout,
			TLS:         tlsConfig,
		},
	}

	logger.Info("Kafka client configured",
		zap.Strings("brokers", brokers),
		zap.String("group_id", cfg.GroupID),
		zap.Bool("tls", tlsConfig != nil),
	)

	return &Client{
		brokers: brokers,
		groupID: cfg.GroupID,
		dialer:  dialer,
		writer:  writer,
		logger:  logger,
		readers: make(map[string]*reader),
	}, nil
}

func dialAny(dialer *kafka.Dialer, brokers []string) error {
	var lastErr error
	for _, broker := range brokers {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}

	var netErr net.Error
	if errors.Is(lastErr, context.DeadlineExceeded) || (errors.As(lastErr, &netErr) && netErr.Timeout()) {
		return &transport.Error{Op: "connect", Topic: strings.Join(brokers, ","), Err: transport.ErrConnectTimeout}
	}
	return &transport.Error{Op: "connect", Topic: strings.Join(brokers, ","), Err: fmt.Errorf("%w: %v", transport.ErrConnectRefused, lastErr)}
}

// Subscribe 为主题启动一个消费者组 reader；handler 返回后即提交 offset
func (c *Client) Subscribe(topic string, qos byte, handler transport.MessageHandler) error {
	return c.SubscribeWithAck(topic, qos, func(topic string, payload []byte, ack transport.AckFunc) error {
		defer ack()
		return handler(topic, payload)
	})
}

// SubscribeWithAck 为主题启动一个消费者组 reader；调用 ack 后才提交 offset（至少一次）
func (c *Client) SubscribeWithAck(topic string, qos byte, handler transport.AckHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &transport.Error{Op: "subscribe", Topic: topic, Err: transport.ErrNotConnected}
	}
	if _, ok := c.readers[topic]; ok {
		return nil
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		Topic:          TopicName(topic),
		GroupID:        c.groupID,
		Dialer:         c.dialer,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        readMaxWait,
		CommitInterval: commitInterval,
		StartOffset:    kafka.FirstOffset,
	})

	ctx, cancel := context.WithCancel(context.Background())
	rd := &reader{r: r, cancel: cancel, done: make(chan struct{})}
	c.readers[topic] = rd

	go c.consume(ctx, topic, rd, handler)

	c.logger.Info("Kafka subscription started",
		zap.String("topic", topic),
		zap.String("kafka_topic", TopicName(topic)),
		zap.String("group_id", c.groupID),
	)
	return nil
}

func (c *Client) consume(ctx context.Context, topic string, rd *reader, handler transport.AckHandler) {
	defer close(rd.done)

	for {
		msg, err := rd.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Kafka fetch failed", zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(topic, msg.Value, c.committer(topic, rd, msg)); err != nil {
			// 未 ack 的消息不提交，重启后由消费组重投
			c.logger.Warn("Error handling Kafka message",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// committer 返回只提交一次的 ack；可在任意 goroutine 调用
func (c *Client) committer(topic string, rd *reader, msg kafka.Message) transport.AckFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
			defer cancel()
			if err := rd.r.CommitMessages(ctx, msg); err != nil {
				c.logger.Warn("Kafka commit failed",
					zap.String("topic", topic),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
		})
	}
}

// Publish 同步写入一条消息；qos 与 retained 在 Kafka 上没有对应语义
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := c.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicName(topic),
		Value: payload,
	})
	if err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Unsubscribe 停止拉取；reader 保留到 Disconnect，已投递消息仍可 ack
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	var stopping []*reader
	for _, topic := range topics {
		if rd, ok := c.readers[topic]; ok {
			stopping = append(stopping, rd)
			delete(c.readers, topic)
		}
	}
	c.draining = append(c.draining, stopping...)
	c.mu.Unlock()

	for _, rd := range stopping {
		rd.cancel()
		<-rd.done
	}
	return nil
}

// Disconnect 关闭所有 reader 与 writer
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	topics := make([]string, 0, len(c.readers))
	for topic := range c.readers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	_ = c.Unsubscribe(topics...)

	c.mu.Lock()
	draining := c.draining
	c.draining = nil
	c.mu.Unlock()

	for _, rd := range draining {
		if err := rd.r.Close(); err != nil {
			c.logger.Warn("Error closing Kafka reader", zap.Error(err))
		}
	}
	if err := c.writer.Close(); err != nil {
		c.logger.Warn("Error closing Kafka writer", zap.Error(err))
	}
}

// IsConnected Kafka 客户端无长连接状态，未关闭即视为可用
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
