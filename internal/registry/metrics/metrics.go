package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the registry. Resolve latency is on the
// gateway's critical path.
type Metrics struct {
	Deployments       *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deployments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_registry_deployments_total",
			Help: "Deployment changes by kind (registered, superseded, deleted)",
		}, []string{"change"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zkgate_registry_operation_duration_seconds",
			Help:    "Duration of registry operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncDeployments(change string) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(change).Inc()
}

// ObserveOperation records the duration of op since start.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
