package telephony

import (
	"testing"

	"campaign-dispatch/internal/campaign"
)

func TestParseTerminalStatus_Normalizes(t *testing.T) {
	cases := []struct {
		in   string
		want TerminalStatus
	}{
		{"completed", StatusCompleted},
		{"no-answer", StatusNoAnswer},
		{"no_answer", StatusNoAnswer},
		{"BUSY", StatusBusy},
		{" canceled ", StatusCanceled},
	}
	for _, tc := range cases {
		got, ok := ParseTerminalStatus(tc.in)
		if !ok || got != tc.want {
			t.Errorf("ParseTerminalStatus(%q) = %q, %v; want %q", tc.in, got, ok, tc.want)
		}
	}
}

func TestParseTerminalStatus_RejectsNonTerminal(t *testing.T) {
	for _, s := range []string{"queued", "ringing", "in-progress", ""} {
		if _, ok := ParseTerminalStatus(s); ok {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestTerminalStatus_Classification(t *testing.T) {
	if !StatusCompleted.Success() || StatusBusy.Success() {
		t.Fatalf("success classification wrong")
	}
	if !StatusBusy.Retryable() || !StatusNoAnswer.Retryable() || !StatusVoicemail.Retryable() {
		t.Fatalf("expected busy/no_answer/voicemail to be retryable")
	}
	if StatusFailed.Retryable() || StatusCanceled.Retryable() {
		t.Fatalf("failed/canceled must not be retryable")
	}
	if StatusNoAnswer.FailureReason() != campaign.FailureNoAnswer {
		t.Fatalf("reason mapping wrong")
	}
	if StatusFailed.FailureReason() != campaign.FailureOther {
		t.Fatalf("unmapped statuses must map to other")
	}
}
