package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrAdmissionTimeout marks errors raised when a row could not be admitted
// (slot or rate token) within its wait budget. Batch processing treats these
// as transient: the claimed rows go back to the queue untouched.
var ErrAdmissionTimeout = errors.New("dispatch: admission timed out")

// SlotAcquisitionTimeoutError reports that no concurrency slot opened up for
// the organization within the configured wait.
type SlotAcquisitionTimeoutError struct {
	OrganizationID string
	CampaignID     string
	Waited         time.Duration
}

func (e *SlotAcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("dispatch: no concurrency slot for org %s (campaign %s) after %s",
		e.OrganizationID, e.CampaignID, e.Waited.Round(time.Millisecond))
}

func (e *SlotAcquisitionTimeoutError) Unwrap() error { return ErrAdmissionTimeout }

// RateTokenTimeoutError reports that the campaign's token bucket stayed
// empty for the whole wait budget.
type RateTokenTimeoutError struct {
	CampaignID string
	Waited     time.Duration
}

func (e *RateTokenTimeoutError) Error() string {
	return fmt.Sprintf("dispatch: no rate token for campaign %s after %s",
		e.CampaignID, e.Waited.Round(time.Millisecond))
}

func (e *RateTokenTimeoutError) Unwrap() error { return ErrAdmissionTimeout }
