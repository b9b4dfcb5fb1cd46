package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics records loan lifecycle activity: operation outcomes,
// ledger submissions, and finality wait latency.
type CoordinatorMetrics struct {
	operations  *prometheus.CounterVec
	submissions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	finality    *prometheus.HistogramVec
	inflight    prometheus.Gauge
}

var (
	coordinatorOnce     sync.Once
	coordinatorRegistry *CoordinatorMetrics
)

// Coordinator returns the lazily-initialised coordinator metrics registry.
func Coordinator() *CoordinatorMetrics {
	coordinatorOnce.Do(func() {
		coordinatorRegistry = &CoordinatorMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Loan operations segmented by kind and outcome code.",
			}, []string{"kind", "outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "coordinator",
				Name:      "ledger_submissions_total",
				Help:      "State-changing operations actually submitted to the ledger.",
			}, []string{"kind"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "coordinator",
				Name:      "ledger_rejections_total",
				Help:      "Operations the ledger included and reverted, by kind.",
			}, []string{"kind"}),
			finality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftlend",
				Subsystem: "coordinator",
				Name:      "finality_wait_seconds",
				Help:      "Time spent waiting for ledger finality per operation kind.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"kind"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftlend",
				Subsystem: "coordinator",
				Name:      "inflight_operations",
				Help:      "Mutating operations currently awaiting ledger finality.",
			}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.operations,
			coordinatorRegistry.submissions,
			coordinatorRegistry.rejections,
			coordinatorRegistry.finality,
			coordinatorRegistry.inflight,
		)
	})
	return coordinatorRegistry
}

// ObserveOperation records the final outcome code of one coordinated call.
func (m *CoordinatorMetrics) ObserveOperation(kind, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

// ObserveSubmission records a ledger submission and, once resolved, the time
// spent waiting for finality.
func (m *CoordinatorMetrics) ObserveSubmission(kind string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind).Inc()
}

// ObserveRejection records a ledger revert.
func (m *CoordinatorMetrics) ObserveRejection(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// ObserveFinality records the duration of a resolved finality wait.
func (m *CoordinatorMetrics) ObserveFinality(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finality.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetInflight publishes the current size of the in-flight guard set.
func (m *CoordinatorMetrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}
