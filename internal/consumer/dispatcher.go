package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/owl-common/transport"

	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 256
	defaultHandlerTimeout = 5 * time.Second
	// 宽限期结束并取消后，等待当前处理返回的上限
	cancelWait = 2 * time.Second
)

var (
	ErrQueueFull        = errors.New("topic queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Handler 单条消息处理函数，运行在主题专属的 goroutine 上
type Handler func(ctx context.Context, topic string, payload []byte)

type message struct {
	topic    string
	payload  []byte
	ack      transport.AckFunc
	received time.Time
}

// KeyedDispatcher 按主题分派消息：每个主题一个有界队列和一个 goroutine
// 同一主题内保持顺序，慢主题不阻塞其他主题
type KeyedDispatcher struct {
	name           string
	queueSize      int
	handlerTimeout time.Duration
	handler        Handler
	metrics        *metrics.Metrics
	logger         *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]chan message
	closed  bool
	quit    chan struct{}
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

// NewKeyedDispatcher 创建分派器
func NewKeyedDispatcher(name string, queueSize int, handlerTimeout time.Duration, handler Handler, m *metrics.Metrics, logger *zap.Logger) *KeyedDispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyedDispatcher{
		name:           name,
		queueSize:      queueSize,
		handlerTimeout: handlerTimeout,
		handler:        handler,
		metrics:        m,
		logger:         logger,
		baseCtx:        ctx,
		cancelBase:     cancel,
		lanes:          make(map[string]chan message),
		quit:           make(chan struct{}),
	}
}

// Submit 将消息放入主题队列，不阻塞传输层的投递回调；队列满时丢弃
func (d *KeyedDispatcher) Submit(topic string, payload []byte) error {
	return d.enqueue(topic, payload, nil, false)
}

// SubmitWithAck 入队并在处理完成后调用 ack；队列满时阻塞等待（拉取式传输的背压）
func (d *KeyedDispatcher) SubmitWithAck(topic string, payload []byte, ack transport.AckFunc) error {
	return d.enqueue(topic, payload, ack, true)
}

func (d *KeyedDispatcher) enqueue(topic string, payload []byte, ack transport.AckFunc, wait bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.QueueDropped.WithLabelValues(d.name).Inc()
		return ErrDispatcherClosed
	}

	lane, ok := d.lanes[topic]
	if !ok {
		lane = make(chan message, d.queueSize)
		d.lanes[topic] = lane
		d.wg.Add(1)
		go d.run(topic, lane)
	}
	d.sending.Add(1)
	d.mu.Unlock()
	defer d.sending.Done()

	msg := message{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		ack:      ack,
		received: time.Now(),
	}

	if wait {
		select {
		case lane <- msg:
			return nil
		case <-d.quit:
			d.metrics.QueueDropped.WithLabelValues(d.name).Inc()
			return ErrDispatcherClosed
		}
	}
	select {
	case lane <- msg:
		return nil
	default:
		d.metrics.QueueDropped.WithLabelValues(d.name).Inc()
		return fmt.Errorf("%w: %s", ErrQueueFull, topic)
	}
}

func (d *KeyedDispatcher) run(topic string, lane <-chan message) {
	defer d.wg.Done()
	for msg := range lane {
		d.invoke(msg)
	}
	d.logger.Debug("Topic lane drained", zap.String("worker", d.name), zap.String("topic", topic))
}

func (d *KeyedDispatcher) invoke(msg message) {
	// 宽限期已过：剩余消息不再处理，也不确认
	if d.baseCtx.Err() != nil {
		d.metrics.QueueDropped.WithLabelValues(d.name).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, d.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered panic in message handler",
				zap.String("worker", d.name),
				zap.String("topic", msg.topic),
				zap.Any("panic", r),
			)
		}
		d.metrics.HandlerDuration.WithLabelValues(d.name).Observe(time.Since(msg.received).Seconds())
		// 处理被关闭打断时不确认，由 broker 重投
		if msg.ack != nil && d.baseCtx.Err() == nil {
			msg.ack()
		}
	}()

	d.handler(ctx, msg.topic, msg.payload)
}

// Stop 停止接收新消息，等待已入队消息处理完毕
// 超出宽限期后取消正在执行的处理、丢弃剩余消息，并在 cancelWait 内等待当前处理返回
func (d *KeyedDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	first := !d.closed
	if first {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	if first {
		// 阻塞中的入队方退出后才能关闭队列
		d.sending.Wait()
		d.mu.Lock()
		for _, lane := range d.lanes {
			close(lane)
		}
		d.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelBase()
		return nil
	case <-ctx.Done():
	}

	d.cancelBase()
	select {
	case <-done:
	case <-time.After(cancelWait):
		d.logger.Error("Message handlers still running after cancel", zap.String("worker", d.name))
	}
	return fmt.Errorf("%s dispatcher: grace period exceeded: %w", d.name, ctx.Err())
}
