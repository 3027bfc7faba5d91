// Package events carries the campaign event protocol between the batch
// workers, the status-callback path and the orchestrator. Events are JSON
// envelopes on a Redis pub/sub channel; delivery is at-most-once per
// subscriber and may repeat across producers, so handlers must be
// idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel is the pub/sub channel all campaign events travel on.
const Channel = "campaign:events"

type Type string

const (
	TypeSyncCompleted     Type = "sync_completed"
	TypeBatchCompleted    Type = "batch_completed"
	TypeBatchFailed       Type = "batch_failed"
	TypeRetryNeeded       Type = "retry_needed"
	TypeCallCompleted     Type = "call_completed"
	TypeCampaignCompleted Type = "campaign_completed"
)

// Event is the wire envelope. Fields beyond Type and CampaignID are
// populated per event type; consumers ignore fields they do not use.
type Event struct {
	Type       Type      `json:"type"`
	CampaignID string    `json:"campaign_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// sync_completed
	TotalRows int `json:"total_rows,omitempty"`

	// batch_completed
	ProcessedCount int `json:"processed_count,omitempty"`
	FailedCount    int `json:"failed_count,omitempty"`
	BatchSize      int `json:"batch_size,omitempty"`

	// batch_failed
	Error string `json:"error,omitempty"`

	// retry_needed / call_completed
	RunID        string `json:"run_id,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`

	// call_completed / campaign_completed
	DurationSeconds int `json:"duration_seconds,omitempty"`
	ProcessedRows   int `json:"processed_rows,omitempty"`
	FailedRows      int `json:"failed_rows,omitempty"`
}

// Encode marshals the event for publishing.
func (e Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("events: type required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Parse decodes an event payload. Unknown types are returned as-is so new
// producers do not break old consumers; callers switch on Type and skip
// what they do not handle.
func Parse(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("events: bad payload: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("events: missing type")
	}
	return e, nil
}

func SyncCompleted(campaignID string, totalRows int) Event {
	return Event{Type: TypeSyncCompleted, CampaignID: campaignID, TotalRows: totalRows, OccurredAt: time.Now().UTC()}
}

func BatchCompleted(campaignID string, processed, failed, batchSize int) Event {
	return Event{
		Type: TypeBatchCompleted, CampaignID: campaignID,
		ProcessedCount: processed, FailedCount: failed, BatchSize: batchSize,
		OccurredAt: time.Now().UTC(),
	}
}

func BatchFailed(campaignID, errMsg string) Event {
	return Event{Type: TypeBatchFailed, CampaignID: campaignID, Error: errMsg, OccurredAt: time.Now().UTC()}
}

func RetryNeeded(campaignID, runID, reason string, delay time.Duration) Event {
	return Event{
		Type: TypeRetryNeeded, CampaignID: campaignID, RunID: runID,
		Reason: reason, DelaySeconds: int(delay / time.Second),
		OccurredAt: time.Now().UTC(),
	}
}

func CallCompleted(campaignID, runID, callID string, duration int) Event {
	return Event{
		Type: TypeCallCompleted, CampaignID: campaignID, RunID: runID, CallID: callID,
		DurationSeconds: duration, OccurredAt: time.Now().UTC(),
	}
}

func CampaignCompleted(campaignID string, total, processed, failed int) Event {
	return Event{
		Type: TypeCampaignCompleted, CampaignID: campaignID,
		TotalRows: total, ProcessedRows: processed, FailedRows: failed,
		OccurredAt: time.Now().UTC(),
	}
}
