// Package metrics exposes ledger outcomes as Prometheus metrics.
//
// Ledger implements ledger.Recorder. Collectors are registered on the
// registerer passed to New so tests can use a private registry; the server
// passes prometheus.DefaultRegisterer and serves /metrics via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/star-ledger/ledger"
)

const namespace = "starledger"

type Ledger struct {
	Operations      *prometheus.CounterVec
	Conflicts       *prometheus.CounterVec
	Attempts        *prometheus.HistogramVec
	Duration        *prometheus.HistogramVec
	PublishFailures prometheus.Counter
}

var _ ledger.Recorder = (*Ledger)(nil)

func New(reg prometheus.Registerer) *Ledger {
	f := promauto.With(reg)
	return &Ledger{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Award and redeem operations by kind and outcome.",
		}, []string{"kind", "outcome"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "version_conflicts_total",
			Help:      "Attempts that lost a compare-and-swap and were retried.",
		}, []string{"kind"}),

		Attempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "attempts",
			Help:      "Attempts used per operation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}, []string{"kind"}),

		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Wall time per operation including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),

		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Committed events that could not be published.",
		}),
	}
}

func (m *Ledger) ObserveOperation(kind ledger.EventKind, outcome string, attempts int, elapsed time.Duration) {
	m.Operations.WithLabelValues(string(kind), outcome).Inc()
	if attempts > 0 {
		m.Attempts.WithLabelValues(string(kind)).Observe(float64(attempts))
	}
	m.Duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Ledger) ObserveConflict(kind ledger.EventKind) {
	m.Conflicts.WithLabelValues(string(kind)).Inc()
}

func (m *Ledger) ObservePublishFailure() {
	m.PublishFailures.Inc()
}
