package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// eventsPublishedTotal counts event publications.
// Labels:
// - sink:   log | kafka
// - result: ok | error
var eventsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kale",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events handed to a sink, by sink and result.",
	},
	[]string{"sink", "result"},
)

// IncEventPublished records one publication attempt.
func IncEventPublished(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	eventsPublishedTotal.WithLabelValues(sink, result).Add(1)
}
