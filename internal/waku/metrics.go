package waku

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transport activity for one or more nodes. A nil
// *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	documents   *prometheus.CounterVec
	queries     *prometheus.CounterVec
	dials       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "network",
			Name:      "state_transitions_total",
			Help:      "Connectivity state changes by target state.",
		}, []string{"state"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "network",
			Name:      "documents_total",
			Help:      "Documents moved over the transport by direction.",
		}, []string{"transport", "direction"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "network",
			Name:      "store_queries_total",
			Help:      "History store queries by outcome.",
		}, []string{"result"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "network",
			Name:      "peer_dials_total",
			Help:      "Bootstrap peer dials by outcome.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}
	m.transitions = registerOrReuse(reg, m.transitions)
	m.documents = registerOrReuse(reg, m.documents)
	m.queries = registerOrReuse(reg, m.queries)
	m.dials = registerOrReuse(reg, m.dials)
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

func (m *Metrics) transition(to State) {
	if m != nil {
		m.transitions.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) document(transport, direction string) {
	if m != nil {
		m.documents.WithLabelValues(transport, direction).Inc()
	}
}

// query records "ok", "failed" or "failover".
func (m *Metrics) query(result string) {
	if m != nil {
		m.queries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) dial(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.dials.WithLabelValues(result).Inc()
}
