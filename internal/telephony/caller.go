package telephony

import (
	"context"

	"campaign-dispatch/internal/campaign"
)

// Caller is the provider-agnostic contract for placing outbound calls.
//
// Rules:
//   - No provider SDK calls outside telephony adapters.
//   - PlaceCall may fail synchronously (bad destination, provider rejection)
//     or succeed and report the final outcome later through the provider's
//     status callback, possibly minutes after placement.
type Caller interface {
	// PlaceCall starts an outbound call for one campaign target and returns
	// the provider's call identifier. The slot id is passed through so
	// adapters can tag provider-side resources for debugging.
	PlaceCall(ctx context.Context, run campaign.QueuedRun, c campaign.Campaign, slotID string) (CallHandle, error)
}

// CallHandle identifies a placed call at the provider boundary.
type CallHandle struct {
	// CallID is the provider's unique identifier for this call. Status
	// callbacks reference it.
	CallID string `json:"call_id"`

	Provider string `json:"provider,omitempty"`
}

// Recorder receives the terminal disposition of campaign calls so failure
// reasons end up as tags on the call record. Optional collaborator;
// implementations must tolerate duplicate delivery.
type Recorder interface {
	RecordOutcome(ctx context.Context, callID string, status TerminalStatus, tags []string) error
}
