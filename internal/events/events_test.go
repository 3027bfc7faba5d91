package events

import (
	"context"
	"testing"
	"time"
)

func TestEncodeParse_RoundTrip(t *testing.T) {
	e := BatchCompleted("camp-1", 8, 2, 10)
	payload, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != TypeBatchCompleted || got.CampaignID != "camp-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.ProcessedCount != 8 || got.FailedCount != 2 || got.BatchSize != 10 {
		t.Fatalf("counts lost in transit: %+v", got)
	}
}

func TestParse_UnknownTypePassesThrough(t *testing.T) {
	got, err := Parse([]byte(`{"type":"provider_degraded","campaign_id":"camp-2"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != "provider_degraded" {
		t.Fatalf("type = %q", got.Type)
	}
}

func TestParse_RejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"campaign_id":"camp-3"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestRetryNeeded_DelaySeconds(t *testing.T) {
	e := RetryNeeded("camp-1", "run-1", "busy", 2*time.Minute)
	if e.DelaySeconds != 120 {
		t.Fatalf("DelaySeconds = %d, want 120", e.DelaySeconds)
	}
}

func TestMemoryPublisher_ByType(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()
	if err := p.Publish(ctx, SyncCompleted("camp-1", 10)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(ctx, BatchFailed("camp-1", "boom")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(ctx, BatchFailed("camp-2", "boom")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(p.ByType(TypeBatchFailed)); got != 2 {
		t.Fatalf("ByType(batch_failed) = %d, want 2", got)
	}
	if got := len(p.Events()); got != 3 {
		t.Fatalf("Events() = %d, want 3", got)
	}
}
