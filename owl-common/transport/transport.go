package transport

import (
	"errors"
	"fmt"
)

// QoS 级别
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

var (
	// ErrConnectTimeout 连接在超时时间内未完成
	ErrConnectTimeout = errors.New("transport: connect timeout")
	// ErrConnectRefused broker 不可达或拒绝连接（认证失败、握手失败）
	ErrConnectRefused = errors.New("transport: connect refused")
	// ErrTLSConfig TLS 证书材料无效
	ErrTLSConfig = errors.New("transport: invalid tls configuration")
	// ErrNotConnected 客户端未连接
	ErrNotConnected = errors.New("transport: not connected")
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// AckFunc 消息处理完成后调用，确认后 broker 不再重投
type AckFunc func()

// AckHandler 延迟确认的处理函数；未调用 ack 的消息在重启后会被重投
type AckHandler func(topic string, payload []byte, ack AckFunc) error

// AckSubscriber 支持延迟确认的传输（Kafka 在 ack 后才提交 offset）
type AckSubscriber interface {
	SubscribeWithAck(topic string, qos byte, handler AckHandler) error
}

// Broker 发布/订阅传输抽象（MQTT 或 Kafka）
type Broker interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
	Disconnect()
	IsConnected() bool
}

// Error 传输层错误
type Error struct {
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPermanent 判断连接错误是否不值得重试
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTLSConfig)
}
