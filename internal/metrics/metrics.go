package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rateLimitExceeded counts HTTP 429 events from the rate limit middleware.
	// Labels:
	// - endpoint: short name like "email:send", "quota:status"
	// - source:   "tenant" or "ip"
	rateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "http",
			Name:      "rate_limit_exceeded_total",
			Help:      "Number of requests rejected due to rate limiting (HTTP 429)",
		},
		[]string{"endpoint", "source"},
	)

	// quotaDecisionsTotal counts admission decisions.
	// Labels:
	// - resource: api | ip | email
	// - window:   minute | hour | day | week | month | none
	// - result:   allowed | denied | degraded
	quotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Quota admission decisions by resource, deciding window and result.",
		},
		[]string{"resource", "window", "result"},
	)

	// quotaStoreErrorsTotal counts counter-store failures by operation.
	quotaStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kale",
			Subsystem: "quota",
			Name:      "store_errors_total",
			Help:      "Counter store errors by operation.",
		},
		[]string{"op"},
	)
)

// IncRateLimitExceeded increments the 429 counter for the given endpoint and source.
func IncRateLimitExceeded(endpoint, source string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if source == "" {
		source = "unknown"
	}
	rateLimitExceeded.WithLabelValues(endpoint, source).Inc()
}

// IncQuotaDecision records one admission decision.
func IncQuotaDecision(resource, window, result string) {
	if resource == "" {
		resource = "unknown"
	}
	if window == "" {
		window = "none"
	}
	if result == "" {
		result = "unknown"
	}
	quotaDecisionsTotal.WithLabelValues(resource, window, result).Inc()
}

// IncQuotaStoreError records a counter-store failure.
func IncQuotaStoreError(op string) {
	if op == "" {
		op = "unknown"
	}
	quotaStoreErrorsTotal.WithLabelValues(op).Inc()
}
