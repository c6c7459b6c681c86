package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics are scraped from /metrics alongside the OTLP push pipeline.
type HTTPMetrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PairingOutcomes *prometheus.CounterVec
}

func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": serviceName}
	m := &HTTPMetrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests.",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"method", "route"}),
		PairingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "device_pairing_outcomes_total",
			Help:        "Device pairing operations by outcome.",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.PairingOutcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *HTTPMetrics) Registry() *prometheus.Registry { return m.registry }

// ObservePairing is nil-safe so services can be built without a scrape endpoint.
func (m *HTTPMetrics) ObservePairing(operation, outcome string) {
	if m == nil {
		return
	}
	m.PairingOutcomes.WithLabelValues(operation, outcome).Inc()
}
