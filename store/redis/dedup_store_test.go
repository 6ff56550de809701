package redisstore

import (
	"testing"

	"github.com/goliatone/go-ingest/core"
)

func TestDedupKey_Contract(t *testing.T) {
	key, err := DedupKey(" wh/123 delivery ")
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	const expected = "go-ingest::dedup::v1::wh%2F123%20delivery"
	if key != expected {
		t.Fatalf("unexpected key contract: got %q want %q", key, expected)
	}

	if _, err := DedupKey("   "); err == nil {
		t.Fatalf("expected empty delivery id rejection")
	}
}

func TestDedupEntryCodec_RoundTrip(t *testing.T) {
	outcome := core.Outcome{
		Success:       true,
		Status:        core.OutcomeStatusAccepted,
		DeliveryID:    "wh-123",
		CorrelationID: "corr-1",
		Metadata:      map[string]any{"topic": "orders/create"},
	}
	payload, err := encodeDedupEntry(dedupEntry{Completed: true, Outcome: &outcome})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeDedupEntry(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Completed || decoded.Outcome == nil {
		t.Fatalf("expected completed entry, got %+v", decoded)
	}
	if decoded.Outcome.DeliveryID != "wh-123" || decoded.Outcome.Status != core.OutcomeStatusAccepted {
		t.Fatalf("expected outcome roundtrip, got %+v", decoded.Outcome)
	}
}

func TestDedupEntryCodec_PendingClaimHasNoOutcome(t *testing.T) {
	payload, err := encodeDedupEntry(dedupEntry{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeDedupEntry(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Completed || decoded.Outcome != nil {
		t.Fatalf("expected pending claim, got %+v", decoded)
	}

	if _, err := decodeDedupEntry([]byte("not-json")); err == nil {
		t.Fatalf("expected malformed entry rejection")
	}
}
