package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementdMetrics tracks the settlement daemon's externally observable
// behaviour. Settlement failures are acknowledged upstream regardless of
// outcome, so these counters are the only signal that work was dropped.
type SettlementdMetrics struct {
	webhooks      *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	queueRetries  prometheus.Counter
	queueDropped  prometheus.Counter
	queueDepth    prometheus.Gauge
	notifications prometheus.Counter
}

var (
	settlementdOnce     sync.Once
	settlementdRegistry *SettlementdMetrics
)

// Settlementd returns the lazily-initialised settlement daemon metrics.
func Settlementd() *SettlementdMetrics {
	settlementdOnce.Do(func() {
		settlementdRegistry = &SettlementdMetrics{
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "webhook_requests_total",
				Help:      "Completed-order webhook deliveries segmented by verdict.",
			}, []string{"verdict"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "decisions_total",
				Help:      "Discount decision evaluations segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "settlements_total",
				Help:      "Settlement actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			queueRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "queue_retries_total",
				Help:      "Settlement tasks rescheduled after a transient failure.",
			}),
			queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "queue_dropped_total",
				Help:      "Settlement tasks abandoned after exhausting their retry budget.",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "queue_depth",
				Help:      "Settlement tasks currently persisted in the work queue.",
			}),
			notifications: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "daisychain",
				Subsystem: "settlementd",
				Name:      "notifications_total",
				Help:      "Referral notification events written to the outbox.",
			}),
		}
		prometheus.MustRegister(
			settlementdRegistry.webhooks,
			settlementdRegistry.decisions,
			settlementdRegistry.settlements,
			settlementdRegistry.queueRetries,
			settlementdRegistry.queueDropped,
			settlementdRegistry.queueDepth,
			settlementdRegistry.notifications,
		)
	})
	return settlementdRegistry
}

// RecordWebhook counts a webhook delivery by verdict (accepted, rejected,
// invalid_signature, malformed).
func (m *SettlementdMetrics) RecordWebhook(verdict string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(verdict).Inc()
}

// RecordDecision counts a decision evaluation.
func (m *SettlementdMetrics) RecordDecision(kind, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind, outcome).Inc()
}

// RecordSettlement counts a settlement action outcome.
func (m *SettlementdMetrics) RecordSettlement(action, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(action, outcome).Inc()
}

// RecordQueueRetry counts a task rescheduled for another attempt.
func (m *SettlementdMetrics) RecordQueueRetry() {
	if m == nil {
		return
	}
	m.queueRetries.Inc()
}

// RecordQueueDropped counts a task abandoned after its final attempt.
func (m *SettlementdMetrics) RecordQueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// SetQueueDepth records the number of tasks waiting in the queue.
func (m *SettlementdMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordNotification counts a notification event written to the outbox.
func (m *SettlementdMetrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}
