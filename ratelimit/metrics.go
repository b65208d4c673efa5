package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts denials per action.
type Metrics struct {
	Denied *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Denied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatguard",
				Name:      "rate_limit_denied_total",
				Help:      "Actions denied by the client rate limiter",
			},
			[]string{"action"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Denied)
	}
	return m
}

func (m *Metrics) denied(action Action) {
	if m == nil {
		return
	}
	m.Denied.WithLabelValues(string(action)).Inc()
}
