package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	requests      *prometheus.CounterVec
	upstreamCalls *prometheus.CounterVec
	imageBatches  *prometheus.CounterVec
	streamActive  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaton2api_requests_total",
				Help: "Inbound API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		upstreamCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaton2api_upstream_calls_total",
				Help: "Calls issued to the upstream streaming endpoint",
			},
			[]string{"kind", "outcome"},
		),
		imageBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaton2api_image_batches_total",
				Help: "Image generation batches by outcome",
			},
			[]string{"outcome"},
		),
		streamActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaton2api_streams_active",
				Help: "Streaming chat responses currently in flight",
			},
		),
	}
}

func (m *Metrics) request(endpoint, outcome string) {
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) upstream(kind, outcome string) {
	m.upstreamCalls.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) imageBatch(outcome string) {
	m.imageBatches.WithLabelValues(outcome).Inc()
}
