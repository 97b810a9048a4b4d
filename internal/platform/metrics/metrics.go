package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP holds the per-route request metrics shared by both listeners.
type HTTP struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewHTTP registers request metrics labelled by listener (api or gateway).
func NewHTTP(reg prometheus.Registerer, listener string) *HTTP {
	f := promauto.With(reg)
	labels := prometheus.Labels{"listener": listener}
	return &HTTP{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "zkgate_http_requests_total",
			Help:        "HTTP requests by route and status",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "zkgate_http_request_duration_seconds",
			Help:        "HTTP request latency by route",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRequest satisfies request.Observer.
func (m *HTTP) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.Duration.WithLabelValues(method, route).Observe(d.Seconds())
}
