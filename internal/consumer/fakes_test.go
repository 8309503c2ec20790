package consumer

import (
	"context"
	"errors"
	"sync"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/transport"
)

// fakeBroker 内存 Broker，Deliver 模拟 broker 投递
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]transport.MessageHandler
	published    []publishedMessage
	publishErr   error
	subscribeErr map[string]error
	unsubscribed []string
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:     make(map[string]transport.MessageHandler),
		subscribeErr: make(map[string]error),
	}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler transport.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.subscribeErr[topic]; err != nil {
		return err
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{topic, qos, retained, append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
		b.unsubscribed = append(b.unsubscribed, t)
	}
	return nil
}

func (b *fakeBroker) Disconnect()       {}
func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) Deliver(topic string, payload string) error {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + topic)
	}
	return h(topic, []byte(payload))
}

func (b *fakeBroker) Published() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for t := range b.handlers {
		topics = append(topics, t)
	}
	return topics
}

type fakeReadingStore struct {
	mu   sync.Mutex
	rows []models.Reading
	err  error
}

func (s *fakeReadingStore) InsertReading(ctx context.Context, r *models.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, *r)
	return nil
}

func (s *fakeReadingStore) Rows() []models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Reading(nil), s.rows...)
}

type fakeAlertStore struct {
	mu   sync.Mutex
	rows []models.Alert
	err  error
}

func (s *fakeAlertStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, *a)
	return nil
}

func (s *fakeAlertStore) Rows() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.rows...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (n *fakeNotifier) Notify(a models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *fakeNotifier) Alerts() []models.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Alert(nil), n.alerts...)
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (s *fakeSink) Record(ctx context.Context, a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

type fakeCache struct {
	mu     sync.Mutex
	latest map[string]models.Reading
}

func (c *fakeCache) SetLatest(ctx context.Context, r *models.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		c.latest = make(map[string]models.Reading)
	}
	c.latest[r.Device] = *r
	return nil
}

type fakeForwarder struct {
	mu       sync.Mutex
	readings []models.Reading
	err      error
}

func (f *fakeForwarder) Forward(ctx context.Context, r *models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, *r)
	return f.err
}

// ackBroker 支持延迟确认的 Broker（模拟 Kafka 消费组）
type ackBroker struct {
	*fakeBroker
	ackHandlers map[string]transport.AckHandler
}

func newAckBroker() *ackBroker {
	return &ackBroker{fakeBroker: newFakeBroker(), ackHandlers: make(map[string]transport.AckHandler)}
}

func (b *ackBroker) SubscribeWithAck(topic string, qos byte, handler transport.AckHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackHandlers[topic] = handler
	return nil
}

func (b *ackBroker) DeliverWithAck(topic, payload string, ack transport.AckFunc) error {
	b.mu.Lock()
	h, ok := b.ackHandlers[topic]
	b.mu.Unlock()
	if !ok {
		return errors.New("no ack subscription for " + topic)
	}
	return h(topic, []byte(payload), ack)
}

// gatedReadingStore 在 release 关闭前阻塞写入
type gatedReadingStore struct {
	fakeReadingStore
	release chan struct{}
}

func (s *gatedReadingStore) InsertReading(ctx context.Context, r *models.Reading) error {
	<-s.release
	return s.fakeReadingStore.InsertReading(ctx, r)
}
