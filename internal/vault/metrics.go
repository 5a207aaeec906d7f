package vault

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "seedvault"

// Metrics counts engine operations by result and failures by category.
type Metrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg. A nil reg keeps the
// collectors unregistered. Collectors already registered by another engine
// are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Vault engine operations by result.",
		}, []string{"operation", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "vault",
			Name:      "errors_total",
			Help:      "Vault engine failures by error category.",
		}, []string{"category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Latency of vault engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"operation"}),
	}
	if reg == nil {
		return m
	}
	m.operations = registerOrReuse(reg, m.operations)
	m.errors = registerOrReuse(reg, m.errors)
	m.duration = registerOrReuse(reg, m.duration)
	return m
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.operations.WithLabelValues(operation, "error").Inc()
		m.errors.WithLabelValues(ErrorCategory(err)).Inc()
		return
	}
	m.operations.WithLabelValues(operation, "ok").Inc()
}
