package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics served on the executor's /metrics endpoint.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	nodesTotal      *prometheus.CounterVec
	nodesInFlight   *prometheus.GaugeVec
	connectionTests *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a registry with all executor metrics plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_requests_total",
				Help: "Privacy requests finished, by action and final status",
			},
			[]string{"action", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "privacy_request_duration_seconds",
				Help:    "Wall time of one Run call",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"action"},
		),

		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_nodes_total",
				Help: "Plan nodes finished, by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		nodesInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "privacy_nodes_in_flight",
				Help: "Connector calls currently executing per connection",
			},
			[]string{"connection"},
		),

		connectionTests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_connection_tests_total",
				Help: "Connection tests by resulting status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.nodesTotal,
		m.nodesInFlight,
		m.connectionTests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records a finished Run.
func (m *Metrics) ObserveRequest(action, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(action, status).Inc()
	m.requestDuration.WithLabelValues(action).Observe(seconds)
}

// ObserveNode records a finished node.
func (m *Metrics) ObserveNode(action string, outcome Outcome) {
	if m == nil {
		return
	}
	m.nodesTotal.WithLabelValues(action, string(outcome)).Inc()
}

// NodeStarted increments the in-flight gauge of a connection.
func (m *Metrics) NodeStarted(connection string) {
	if m == nil {
		return
	}
	m.nodesInFlight.WithLabelValues(connection).Inc()
}

// NodeFinished decrements the in-flight gauge of a connection.
func (m *Metrics) NodeFinished(connection string) {
	if m == nil {
		return
	}
	m.nodesInFlight.WithLabelValues(connection).Dec()
}

// ObserveConnectionTest records the outcome of a connection test.
func (m *Metrics) ObserveConnectionTest(status string) {
	if m == nil {
		return
	}
	m.connectionTests.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
