package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("kind", "DEBIT"),
		attribute.String("document_id", "456"),
		attribute.String("owner_type", "COMPANY"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "kind" && attrs[1].Key != "kind" {
		t.Fatalf("expected kind to be retained")
	}
	if attrs[0].Key != "owner_type" && attrs[1].Key != "owner_type" {
		t.Fatalf("expected owner_type to be retained")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordLedgerMutation(context.Background(), "DEBIT", "COMPANY")
	m.RecordInsufficientFunds(context.Background(), "USER", "document")
	m.RecordDispatch(context.Background(), "failed")
}
