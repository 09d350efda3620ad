// Package metrics exposes Prometheus metrics for the back-channel calls and
// session resolutions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedgate"

// Metrics implements oidc.Observer and lifecycle.ResolutionRecorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	backchannelTotal    *prometheus.CounterVec
	backchannelDuration *prometheus.HistogramVec
	resolutionsTotal    *prometheus.CounterVec
}

// New registers the metrics on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		backchannelTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backchannel_requests_total",
			Help:      "Total number of requests to the authorization server",
		}, []string{"op", "outcome"}),

		backchannelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backchannel_request_duration_seconds",
			Help:      "Duration of requests to the authorization server in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),

		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resolutions_total",
			Help:      "Total number of session resolutions by final state",
		}, []string{"state"}),
	}
}

// ObserveBackchannel records one request to the authorization server.
func (m *Metrics) ObserveBackchannel(op, outcome string, d time.Duration) {
	m.backchannelTotal.WithLabelValues(op, outcome).Inc()
	m.backchannelDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// ObserveResolution records the final state of one session resolution.
func (m *Metrics) ObserveResolution(state string) {
	m.resolutionsTotal.WithLabelValues(state).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
