package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks execution outcomes. Pass a private Registerer in tests to
// avoid default-registry collisions.
type Metrics struct {
	successCounter    prometheus.Counter
	failureCounter    prometheus.Counter
	retryCounter      prometheus.Counter
	durationHistogram prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		successCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solana_tx_success_total",
			Help: "Total number of transactions confirmed at the requested commitment",
		}),
		failureCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solana_tx_failure_total",
			Help: "Total number of transactions that terminally failed",
		}),
		retryCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solana_tx_retry_total",
			Help: "Total number of rebuild-and-resend retry attempts",
		}),
		durationHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solana_tx_duration_seconds",
			Help:    "End-to-end execution duration in seconds, retries included",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	reg.MustRegister(m.successCounter, m.failureCounter, m.retryCounter, m.durationHistogram)
	return m
}

func (m *Metrics) TrackExecution(start time.Time) {
	m.durationHistogram.Observe(time.Since(start).Seconds())
}
