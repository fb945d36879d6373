package telemetry

import (
	"github.com/polisai/polis-privacy/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicy annotates the provided span with the policy driving a request.
func RecordPolicy(span trace.Span, policy *domain.Policy) {
	if policy == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("privacy.policy.key", policy.Key),
		attribute.String("privacy.policy.type", string(policy.Type)),
		attribute.Int("privacy.policy.rules", len(policy.Rules)),
	)
	if len(policy.MandatoryCollections) > 0 {
		mandatory := make([]string, len(policy.MandatoryCollections))
		for i, addr := range policy.MandatoryCollections {
			mandatory[i] = addr.String()
		}
		span.SetAttributes(attribute.StringSlice("privacy.policy.mandatory", mandatory))
	}
}

// RecordNodeFailure attaches a coarse-grained failure event to a node span.
// The error text is not recorded because drivers may echo row values.
func RecordNodeFailure(span trace.Span, kind domain.ConnectorErrorKind, attempts int, skipped bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("privacy.node.attempts", attempts),
		attribute.Bool("privacy.node.skipped", skipped),
	}
	if kind != "" {
		attrs = append(attrs, attribute.String("privacy.error.kind", string(kind)))
	}
	span.AddEvent("privacy.node.failed", trace.WithAttributes(attrs...))
}
