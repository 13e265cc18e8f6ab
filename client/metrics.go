package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	requests    *prometheus.CounterVec
	cacheEvents *prometheus.CounterVec
	waitSeconds prometheus.Histogram
}

// NewMetrics registers the client collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotafetch",
			Name:      "requests_total",
			Help:      "Requests by outcome: success, error, throttled, blocked.",
		}, []string{"outcome"}),
		cacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotafetch",
			Name:      "cache_events_total",
			Help:      "Cache lookups by result: hit, miss, collision.",
		}, []string{"result"}),
		waitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotafetch",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter slot.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheEvent(result string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) waited(d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.Observe(d.Seconds())
}
