// Package telemetry wires OpenTelemetry tracing and metrics plus a Prometheus
// registry for the privacy request executor.
//
// It centralises trace provider setup and offers helpers that annotate request
// and node spans without leaking identity values.
package telemetry
