package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultNotifyWorkers   = 2
	defaultNotifyQueueSize = 100
	dispatchTimeout        = 30 * time.Second
)

// Sender 同步分发接口（Dispatcher 实现）
type Sender interface {
	Dispatch(ctx context.Context, tenantID, title, body string) error
}

// AsyncNotifier 有界队列 + 固定 worker，Notify 不阻塞报警处理
type AsyncNotifier struct {
	sender  Sender
	title   string
	queue   chan models.Alert
	metrics *metrics.Metrics
	logger  *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncNotifier 创建并启动异步通知器
func NewAsyncNotifier(sender Sender, title string, workers, queueSize int, m *metrics.Metrics, logger *zap.Logger) *AsyncNotifier {
	if workers <= 0 {
		workers = defaultNotifyWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultNotifyQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &AsyncNotifier{
		sender:     sender,
		title:      title,
		queue:      make(chan models.Alert, queueSize),
		metrics:    m,
		logger:     logger,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// Notify 入队；队列满或已停止时丢弃
func (n *AsyncNotifier) Notify(alert models.Alert) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.metrics.Notifications.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case n.queue <- alert:
	default:
		n.metrics.Notifications.WithLabelValues("dropped").Inc()
		n.logger.Warn("Notification queue full, dropping",
			zap.String("event_id", alert.EventID),
			zap.String("tenant_id", alert.TenantID),
		)
	}
}

func (n *AsyncNotifier) run() {
	defer n.wg.Done()
	for alert := range n.queue {
		n.deliver(alert)
	}
}

func (n *AsyncNotifier) deliver(alert models.Alert) {
	ctx, cancel := context.WithTimeout(n.baseCtx, dispatchTimeout)
	defer cancel()

	if err := n.sender.Dispatch(ctx, alert.TenantID, n.title, alert.Message); err != nil {
		n.logger.Warn("Notification dispatch incomplete",
			zap.String("event_id", alert.EventID),
			zap.Int("failures", len(multierr.Errors(err))),
			zap.Error(err),
		)
	}
}

// Stop 停止接收并等待队列排空；超出宽限期后取消进行中的投递
func (n *AsyncNotifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancelBase()
		return nil
	case <-ctx.Done():
		n.cancelBase()
		return fmt.Errorf("notifier: grace period exceeded: %w", ctx.Err())
	}
}
