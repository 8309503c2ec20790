package consumer

import (
	"context"
	"fmt"
	"sync/atomic"

	"owl-telemetry/owl-common/transport"

	"go.uber.org/zap"
)

// State worker 状态
type State int32

const (
	StateDisconnected State = iota
	StateSubscribing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	default:
		return "disconnected"
	}
}

// worker 订阅设备主题并把消息交给 KeyedDispatcher，Ingest 与 Alarm 共用
type worker struct {
	name       string
	broker     transport.Broker
	topics     []string
	dispatcher *KeyedDispatcher
	logger     *zap.Logger
	state      atomic.Int32
}

func (w *worker) start() error {
	w.state.Store(int32(StateSubscribing))

	for i, topic := range w.topics {
		if err := w.subscribe(topic); err != nil {
			if i > 0 {
				if uerr := w.broker.Unsubscribe(w.topics[:i]...); uerr != nil {
					w.logger.Warn("Failed to roll back subscriptions", zap.Error(uerr))
				}
			}
			w.state.Store(int32(StateDisconnected))
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.logger.Info("Subscribed", zap.String("worker", w.name), zap.String("topic", topic))
	}

	w.state.Store(int32(StateRunning))
	return nil
}

// subscribe 支持延迟确认的传输在处理完成后才确认消息
func (w *worker) subscribe(topic string) error {
	if acker, ok := w.broker.(transport.AckSubscriber); ok {
		return acker.SubscribeWithAck(topic, transport.AtLeastOnce, w.dispatcher.SubmitWithAck)
	}
	return w.broker.Subscribe(topic, transport.AtLeastOnce, w.dispatcher.Submit)
}

func (w *worker) stop(ctx context.Context) error {
	// 1. 停止接收新消息
	if err := w.broker.Unsubscribe(w.topics...); err != nil {
		w.logger.Warn("Failed to unsubscribe", zap.String("worker", w.name), zap.Error(err))
	}
	w.state.Store(int32(StateDisconnected))

	// 2. 等待队列中的消息处理完成
	return w.dispatcher.Stop(ctx)
}

// State 当前状态
func (w *worker) State() State {
	return State(w.state.Load())
}

// Topics 订阅的主题
func (w *worker) Topics() []string {
	return append([]string(nil), w.topics...)
}
