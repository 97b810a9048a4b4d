package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks engine builds, executions and arena size. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	BuildDuration   *prometheus.HistogramVec
	ExecuteDuration *prometheus.HistogramVec
	LoadedPrograms  prometheus.Gauge
}

// New registers engine metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zkgate_engine_build_duration_seconds",
			Help:    "Duration of program builds by format and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"format", "outcome"}),
		ExecuteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zkgate_engine_execute_duration_seconds",
			Help:    "Duration of program executions by format and outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"format", "outcome"}),
		LoadedPrograms: f.NewGauge(prometheus.GaugeOpts{
			Name: "zkgate_engine_loaded_programs",
			Help: "Number of programs resident in the engine arena",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveBuild records a build. Call with time.Now() at the start of the build.
func (m *Metrics) ObserveBuild(format string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.BuildDuration.WithLabelValues(format, outcome(err)).Observe(time.Since(start).Seconds())
}

// ObserveExecute records an execution.
func (m *Metrics) ObserveExecute(format string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ExecuteDuration.WithLabelValues(format, outcome(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetLoaded(n int) {
	if m == nil {
		return
	}
	m.LoadedPrograms.Set(float64(n))
}
