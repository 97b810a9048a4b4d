package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	UpstreamErrors   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_gateway_decisions_total",
			Help: "Gateway decisions by outcome and denial reason",
		}, []string{"outcome", "reason"}),
		DecisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zkgate_gateway_decision_duration_seconds",
			Help:    "Time from request receipt to an authorize or deny decision",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		UpstreamErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "zkgate_gateway_upstream_errors_total",
			Help: "Authorized requests the upstream could not serve",
		}),
	}
}

func (m *Metrics) IncDecision(outcome, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) ObserveDecision(start time.Time) {
	if m == nil {
		return
	}
	m.DecisionDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncUpstreamError() {
	if m == nil {
		return
	}
	m.UpstreamErrors.Inc()
}
