package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the deploy pipeline and the async job pool.
type Metrics struct {
	Deploys       *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Jobs          *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	Webhooks      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deploys: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_build_deploys_total",
			Help: "Deploy attempts by outcome (ok, or the failing error code)",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zkgate_build_stage_duration_seconds",
			Help:    "Duration of each deploy stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_build_jobs_total",
			Help: "Async build jobs by terminal status",
		}, []string{"status"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "zkgate_build_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zkgate_build_webhooks_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncDeploy(outcome string) {
	if m == nil {
		return
	}
	m.Deploys.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncJob(status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncWebhook(result string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(result).Inc()
}
