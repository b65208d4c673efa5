package push

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatch outcomes and token refreshes.
type Metrics struct {
	Dispatches       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	Refreshes        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatguard",
				Name:      "push_dispatches_total",
				Help:      "Push dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chatguard",
				Name:      "push_dispatch_duration_seconds",
				Help:      "Push gateway round trip",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatguard",
				Name:      "push_token_refreshes_total",
				Help:      "Access token refreshes by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatches, m.DispatchDuration, m.Refreshes)
	}
	return m
}

func (m *Metrics) dispatched(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) refreshed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Refreshes.WithLabelValues(result).Inc()
}
