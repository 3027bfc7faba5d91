package telephony

import (
	"context"

	"github.com/google/uuid"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/pkg/logger"
)

// DevCaller is the caller used when no provider adapter is configured. It
// allocates a call id and logs the placement; terminal statuses then come in
// through the status webhook as with a real provider.
type DevCaller struct{}

func (DevCaller) PlaceCall(ctx context.Context, run campaign.QueuedRun, c campaign.Campaign, slotID string) (CallHandle, error) {
	handle := CallHandle{CallID: uuid.NewString(), Provider: "dev"}
	logger.ForCampaign(ctx, c.ID).Info("dev call placed",
		"call_id", handle.CallID, "run_id", run.ID,
		"phone_number", run.PhoneNumber(), "slot_id", slotID)
	return handle, nil
}

// DevRecorder logs failure outcomes instead of writing them to a call CRM.
type DevRecorder struct{}

func (DevRecorder) RecordOutcome(ctx context.Context, callID string, status TerminalStatus, tags []string) error {
	logger.From(ctx).Info("call outcome recorded", "call_id", callID, "status", status, "tags", tags)
	return nil
}

var _ Caller = DevCaller{}
var _ Recorder = DevRecorder{}
