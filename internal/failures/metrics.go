package failures

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what each chain stage did to traffic. One CounterVec keyed
// by strategy, direction and action keeps the cardinality small.
type Metrics struct {
	actions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loki",
				Subsystem: "failures",
				Name:      "actions_total",
				Help:      "Strategy outcomes applied to messages.",
			},
			[]string{"strategy", "direction", "action"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.actions)
	}
	return m
}

func (m *Metrics) Observe(strategy string, dir Direction, action Action) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(strategy, string(dir), action.String()).Inc()
}
