package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	depPostgres = "postgres"
	depRedis    = "redis"
)

var (
	// dependencyUp reports the result of the last health probe per backing store.
	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kale",
		Subsystem: "health",
		Name:      "dependency_up",
		Help:      "Backing store availability from the last probe (1=up, 0=down).",
	}, []string{"dependency"})

	dependencyPingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kale",
		Subsystem: "health",
		Name:      "dependency_ping_seconds",
		Help:      "Health probe latency per backing store.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"dependency"})
)

func setUp(dep string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	dependencyUp.WithLabelValues(dep).Set(v)
}

func SetDBUp(up bool) { setUp(depPostgres, up) }
func ObserveDBPing(seconds float64) { dependencyPingSeconds.WithLabelValues(depPostgres).Observe(seconds) }
func SetRedisUp(up bool) { setUp(depRedis, up) }
func ObserveRedisPing(seconds float64) { dependencyPingSeconds.WithLabelValues(depRedis).Observe(seconds) }
