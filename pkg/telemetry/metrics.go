package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome summarises how one node execution ended.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeNoMatch     Outcome = "no_match"
	OutcomeCached      Outcome = "cached"
	OutcomeError       Outcome = "error"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeTimeout     Outcome = "timeout"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	nodeExecutionCounter   metric.Int64Counter
	nodeRetryCounter       metric.Int64Counter
	nodeCircuitOpenCounter metric.Int64Counter
	nodeTimeoutCounter     metric.Int64Counter
	nodeLatencyHistogram   metric.Float64Histogram
	maskedRowsCounter      metric.Int64Counter
)

// NodeMetrics captures the fields needed to record node telemetry metrics.
// Request ids and identity values are left out to bound cardinality.
type NodeMetrics struct {
	Dataset    string
	Collection string
	Connection string
	Action     string
	Outcome    Outcome
	Duration   time.Duration
	Retries    int
	Affected   int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("privacy.dataset", metrics.Dataset),
		attribute.String("privacy.collection", metrics.Collection),
		attribute.String("privacy.connection", metrics.Connection),
		attribute.String("privacy.action", metrics.Action),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	if metrics.Affected > 0 {
		maskedRowsCounter.Add(ctx, int64(metrics.Affected), metric.WithAttributes(attrs...))
	}

	switch metrics.Outcome {
	case OutcomeCircuitOpen:
		nodeCircuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeTimeout:
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("privacy.executor")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"privacy.node.executions_total",
			metric.WithDescription("Request plan node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"privacy.node.retries_total",
			metric.WithDescription("Retry attempts performed against connectors"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"privacy.node.circuit_open_total",
			metric.WithDescription("Circuit breaker rejections encountered during node execution"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"privacy.node.timeout_total",
			metric.WithDescription("Connector calls that exceeded the call timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		maskedRowsCounter, metricsInitErr = meter.Int64Counter(
			"privacy.node.masked_rows_total",
			metric.WithDescription("Rows rewritten by erasure nodes"),
			metric.WithUnit("{row}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"privacy.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
