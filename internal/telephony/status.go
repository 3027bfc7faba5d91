package telephony

import (
	"strings"

	"campaign-dispatch/internal/campaign"
)

// TerminalStatus is the provider-agnostic terminal call outcome vocabulary.
// Providers report these through status callbacks once a call will make no
// further progress.
type TerminalStatus string

const (
	StatusCompleted TerminalStatus = "completed"
	StatusFailed    TerminalStatus = "failed"
	StatusBusy      TerminalStatus = "busy"
	StatusNoAnswer  TerminalStatus = "no_answer"
	StatusCanceled  TerminalStatus = "canceled"
	StatusVoicemail TerminalStatus = "voicemail"
)

// ParseTerminalStatus normalizes a provider status string. Twilio reports
// "no-answer"; others use underscores or camel case. Returns false for
// non-terminal statuses (queued, ringing, in-progress).
func ParseTerminalStatus(s string) (TerminalStatus, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch TerminalStatus(norm) {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled, StatusVoicemail:
		return TerminalStatus(norm), true
	default:
		return "", false
	}
}

// Success reports whether the call connected and ran to completion.
func (s TerminalStatus) Success() bool {
	return s == StatusCompleted
}

// Retryable reports whether the outcome is a candidate for requeueing.
// Whether a retry actually happens is the retry policy's decision.
func (s TerminalStatus) Retryable() bool {
	switch s {
	case StatusBusy, StatusNoAnswer, StatusVoicemail:
		return true
	default:
		return false
	}
}

// FailureReason maps the outcome onto the retry policy's reason vocabulary.
func (s TerminalStatus) FailureReason() campaign.FailureReason {
	switch s {
	case StatusBusy:
		return campaign.FailureBusy
	case StatusNoAnswer:
		return campaign.FailureNoAnswer
	case StatusVoicemail:
		return campaign.FailureVoicemail
	default:
		return campaign.FailureOther
	}
}

// FailureTags returns the call-record tags for a non-connected outcome.
func (s TerminalStatus) FailureTags() []string {
	return []string{"not_connected", "telephony_" + string(s)}
}

// StatusUpdate is the normalized shape of one provider status callback.
type StatusUpdate struct {
	CallID          string         `json:"call_id"`
	Status          TerminalStatus `json:"status"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
}
