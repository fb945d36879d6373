package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// resetInstruments drops cached instruments so they bind to the meter
// provider installed by the test.
func resetInstruments() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	nodeExecutionCounter = nil
	nodeRetryCounter = nil
	nodeCircuitOpenCounter = nil
	nodeTimeoutCounter = nil
	nodeLatencyHistogram = nil
	maskedRowsCounter = nil
}

func TestRecordNodeMetrics(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	resetInstruments()

	RecordNodeMetrics(ctx, NodeMetrics{
		Dataset:    "postgres_example",
		Collection: "customer",
		Connection: "app_db",
		Action:     "erasure",
		Outcome:    OutcomeTimeout,
		Duration:   150 * time.Millisecond,
		Retries:    1,
		Affected:   3,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumExec, ok := metrics["privacy.node.executions_total"]
	if !ok {
		t.Fatalf("missing privacy.node.executions metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("privacy.collection")); !ok || value.AsString() != "customer" {
		t.Fatalf("expected privacy.collection attribute to be customer, got %v", value)
	}

	sumRetry, ok := metrics["privacy.node.retries_total"]
	if !ok {
		t.Fatalf("missing privacy.node.retries metric")
	}
	retryData := sumRetry.Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 1 {
		t.Fatalf("expected retry count 1, got %d", retryData.DataPoints[0].Value)
	}

	sumTimeout, ok := metrics["privacy.node.timeout_total"]
	if !ok {
		t.Fatalf("missing privacy.node.timeouts metric")
	}
	timeoutData := sumTimeout.Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	masked, ok := metrics["privacy.node.masked_rows_total"]
	if !ok {
		t.Fatalf("missing privacy.node.masked_rows_total metric")
	}
	if got := masked.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 3 {
		t.Fatalf("expected masked rows 3, got %d", got)
	}

	hist, ok := metrics["privacy.node.duration_ms"]
	if !ok {
		t.Fatalf("missing privacy.node.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordNodeFailure(t *testing.T) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "node")
	RecordPolicy(span, &domain.Policy{
		Key:                  "default_erasure",
		Type:                 domain.ActionErasure,
		Rules:                []domain.Rule{{DataCategory: "user", Action: domain.RuleErase}},
		MandatoryCollections: []domain.CollectionAddress{{Dataset: "shop", Collection: "users"}},
	})
	RecordNodeFailure(span, domain.ConnectorTransient, 4, false)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "privacy.node.failed" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("privacy.error.kind")); !ok || value.AsString() != "transient" {
		t.Fatalf("expected error kind transient, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("privacy.node.attempts")); !ok || value.AsInt64() != 4 {
		t.Fatalf("expected attempts 4, got %v", value)
	}

	spanAttrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := spanAttrs.Value(attribute.Key("privacy.policy.key")); !ok || value.AsString() != "default_erasure" {
		t.Fatalf("expected policy key attribute, got %v", value)
	}
	if value, ok := spanAttrs.Value(attribute.Key("privacy.policy.mandatory")); !ok || value.AsStringSlice()[0] != "shop:users" {
		t.Fatalf("expected mandatory collections attribute, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestIdentityAttributesNeverCarryValues(t *testing.T) {
	attrs := IdentityAttributes(map[string]string{"email": "customer-1@example.com", "phone": "+15550100"})
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	for _, kv := range attrs {
		if strings.Contains(kv.Value.Emit(), "example.com") || strings.Contains(kv.Value.Emit(), "5550100") {
			t.Fatalf("attribute %s leaks identity value", kv.Key)
		}
	}
	if got := attrs[0].Value.AsStringSlice(); len(got) != 2 || got[0] != "email" {
		t.Fatalf("unexpected identity kinds %v", got)
	}
	again := IdentityAttributes(map[string]string{"email": "customer-1@example.com"})
	if again[1].Value.AsString() != attrs[1].Value.AsString() {
		t.Fatalf("identity digest is not deterministic")
	}
	if IdentityAttributes(nil) != nil {
		t.Fatalf("expected nil attributes for empty identity")
	}
}
