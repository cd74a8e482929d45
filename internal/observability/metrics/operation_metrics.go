package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationMetrics tracks executor outcomes, attempts and rollbacks.
type OperationMetrics struct {
	outcomes  *prometheus.CounterVec
	attempts  *prometheus.HistogramVec
	duration  *prometheus.HistogramVec
	rollbacks *prometheus.CounterVec
}

var (
	operationMetricsOnce sync.Once
	operationMetrics     *OperationMetrics
)

// Operations returns the process-wide executor metrics.
func Operations() *OperationMetrics {
	operationMetricsOnce.Do(func() {
		operationMetrics = NewOperationMetrics(prometheus.DefaultRegisterer, Config{})
	})
	return operationMetrics
}

func NewOperationMetrics(registerer prometheus.Registerer, cfg Config) *OperationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditguard_operation_outcomes_total",
		Help:        "Executor operations by terminal state.",
		ConstLabels: constLabels,
	}, []string{"operation", "status"})
	attempts := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditguard_operation_attempts",
		Help:        "Attempts used per executor operation.",
		Buckets:     []float64{1, 2, 3, 4, 5, 8, 10},
		ConstLabels: constLabels,
	}, []string{"operation"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditguard_operation_duration_seconds",
		Help:        "Executor wall time including backoff.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"operation"})
	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditguard_operation_rollbacks_total",
		Help:        "Snapshot restores after retry exhaustion.",
		ConstLabels: constLabels,
	}, []string{"operation", "result"})

	registerer.MustRegister(outcomes, attempts, duration, rollbacks)

	return &OperationMetrics{
		outcomes:  outcomes,
		attempts:  attempts,
		duration:  duration,
		rollbacks: rollbacks,
	}
}

func (m *OperationMetrics) ObserveOutcome(operation, status string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, status).Inc()
	m.attempts.WithLabelValues(operation).Observe(float64(attempts))
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *OperationMetrics) IncRollback(operation string, ok bool) {
	if m == nil {
		return
	}
	result := "restored"
	if !ok {
		result = "failed"
	}
	m.rollbacks.WithLabelValues(operation, result).Inc()
}
