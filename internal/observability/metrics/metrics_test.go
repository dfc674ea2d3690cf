package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("status", "matched"),
		attribute.String("customer_id", "456"),
		attribute.String("discrepancy", "short_payment"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "status" && attrs[1].Key != "status" {
		t.Fatalf("expected status to be retained")
	}
	if attrs[0].Key != "discrepancy" && attrs[1].Key != "discrepancy" {
		t.Fatalf("expected discrepancy to be retained")
	}
}
