package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Proofs        *prometheus.CounterVec
	ProveDuration prometheus.Histogram
	CacheEvents   *prometheus.CounterVec
	InFlight      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Proofs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_prover_proofs_total",
			Help: "Proof requests by outcome (ok, or the failing error code)",
		}, []string{"outcome"}),
		ProveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zkgate_prover_prove_duration_seconds",
			Help:    "End to end proof generation latency, including queueing",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_prover_cache_events_total",
			Help: "Artifact cache hits, misses and evictions",
		}, []string{"event"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "zkgate_prover_in_flight",
			Help: "Executions currently holding a concurrency slot",
		}),
	}
}

func (m *Metrics) ObserveProve(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Proofs.WithLabelValues(outcome).Inc()
	m.ProveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncCache(event string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
