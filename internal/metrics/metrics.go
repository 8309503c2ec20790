package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry"

// Metrics 管道指标
type Metrics struct {
	MessagesReceived *prometheus.CounterVec // worker, device
	ParseErrors      *prometheus.CounterVec // worker
	StoreErrors      *prometheus.CounterVec // op
	QueueDropped     *prometheus.CounterVec // worker
	HandlerDuration  *prometheus.HistogramVec
	ReadingsStored   prometheus.Counter
	AlertsRaised     *prometheus.CounterVec // device, severity
	PublishErrors    *prometheus.CounterVec // target
	Notifications    *prometheus.CounterVec // result
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound telemetry messages accepted for processing.",
		}, []string{"worker", "device"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound messages dropped because they could not be parsed.",
		}, []string{"worker"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations.",
		}, []string{"op"}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Messages dropped because a topic queue was full or closed.",
		}, []string{"worker"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Per-message handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_stored_total",
			Help:      "Readings appended to the store.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts produced by the rule engine.",
		}, []string{"device", "severity"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed outbound publishes.",
		}, []string{"target"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.ParseErrors,
		m.StoreErrors,
		m.QueueDropped,
		m.HandlerDuration,
		m.ReadingsStored,
		m.AlertsRaised,
		m.PublishErrors,
		m.Notifications,
	)
	return m
}

// NewNop 创建不注册到任何 registry 的指标（测试用）
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
