package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline-level Prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	ExternalFailures *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_requests_total",
			Help: "Completed triage requests by final risk tier.",
		}, []string{"risk_tier"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_latency_seconds",
			Help:    "Per-stage wall-clock latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ExternalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "external_backend_failures_total",
			Help: "External adapter failures by consuming stage.",
		}, []string{"backend"}),
	}
}
