package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// deliveriesTotal counts per-recipient delivery outcomes.
	// Labels:
	// - outcome: sent | failed | skipped
	// - reason:  empty for sent, otherwise the failure class (suppressed, invalid_recipient, relay_unreachable, ...)
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "email",
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery outcomes.",
		},
		[]string{"outcome", "reason"},
	)

	// sendRequestsTotal counts send requests by terminal result kind.
	sendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "email",
			Name:      "send_requests_total",
			Help:      "Send requests by result kind.",
		},
		[]string{"result"},
	)

	// deliverySeconds observes the time to hand one message to the relay.
	deliverySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kale",
		Subsystem: "email",
		Name:      "delivery_seconds",
		Help:      "Time to deliver one message to the relay, in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// poolConnections tracks pooled relay connections by state.
	// Labels:
	// - state: idle | leased
	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kale",
			Subsystem: "relay_pool",
			Name:      "connections",
			Help:      "Relay connections held by the pool, by state.",
		},
		[]string{"state"},
	)

	// poolEventsTotal counts pool lifecycle events.
	// Labels:
	// - event: dial | reuse | health_failed | evicted_idle | evicted_uses | evicted_capacity | overflow | discarded
	poolEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "relay_pool",
			Name:      "events_total",
			Help:      "Relay pool lifecycle events.",
		},
		[]string{"event"},
	)
)

// IncDelivery records one recipient outcome.
func IncDelivery(outcome, reason string) {
	if outcome == "" {
		outcome = "unknown"
	}
	deliveriesTotal.WithLabelValues(outcome, reason).Inc()
}

// IncSendRequest records the terminal kind of one send request.
func IncSendRequest(result string) {
	if result == "" {
		result = "unknown"
	}
	sendRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery records a per-message relay latency in seconds.
func ObserveDelivery(seconds float64) { deliverySeconds.Observe(seconds) }

// SetPoolConnections publishes the pool's idle and leased counts.
func SetPoolConnections(idle, leased int) {
	poolConnections.WithLabelValues("idle").Set(float64(idle))
	poolConnections.WithLabelValues("leased").Set(float64(leased))
}

// IncPoolEvent records a pool lifecycle event.
func IncPoolEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	poolEventsTotal.WithLabelValues(event).Inc()
}
