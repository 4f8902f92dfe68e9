package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts allocations per series.
type Metrics struct {
	allocations *prometheus.CounterVec
}

// NewMetrics registers the sequence collectors. A nil registerer falls back to
// the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesflow_sequence_allocations_total",
		Help: "Document number allocations partitioned by series and status.",
	}, []string{"prefix", "status"})
	registerer.MustRegister(allocations)
	return &Metrics{allocations: allocations}
}

func (m *Metrics) observe(prefix Prefix, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.allocations.WithLabelValues(string(prefix), status).Inc()
}
