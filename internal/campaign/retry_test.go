package campaign

import (
	"testing"
	"time"
)

func enabledConfig() RetryConfig {
	return RetryConfig{
		Enabled:           true,
		MaxRetries:        2,
		RetryDelaySeconds: 120,
		RetryOnBusy:       true,
		RetryOnNoAnswer:   true,
		RetryOnVoicemail:  false,
	}
}

func TestShouldRetry_Disabled(t *testing.T) {
	rc := enabledConfig()
	rc.Enabled = false
	if d := ShouldRetry(rc, 0, FailureBusy); d.Retry {
		t.Fatalf("expected no retry when disabled")
	}
}

func TestShouldRetry_PerReasonFlags(t *testing.T) {
	rc := enabledConfig()

	if d := ShouldRetry(rc, 0, FailureBusy); !d.Retry {
		t.Fatalf("expected retry for busy")
	}
	if d := ShouldRetry(rc, 0, FailureNoAnswer); !d.Retry {
		t.Fatalf("expected retry for no_answer")
	}
	if d := ShouldRetry(rc, 0, FailureVoicemail); d.Retry {
		t.Fatalf("expected no retry for voicemail (flag off)")
	}
	if d := ShouldRetry(rc, 0, FailureOther); d.Retry {
		t.Fatalf("expected no retry for unclassified reason")
	}
}

func TestShouldRetry_MaxRetriesBound(t *testing.T) {
	rc := enabledConfig()

	if d := ShouldRetry(rc, 1, FailureBusy); !d.Retry {
		t.Fatalf("expected retry below the bound")
	}
	if d := ShouldRetry(rc, 2, FailureBusy); d.Retry {
		t.Fatalf("expected no retry at the bound")
	}
	if d := ShouldRetry(rc, 3, FailureBusy); d.Retry {
		t.Fatalf("expected no retry above the bound")
	}
}

func TestShouldRetry_Delay(t *testing.T) {
	rc := enabledConfig()
	if d := ShouldRetry(rc, 0, FailureBusy); d.Delay != 2*time.Minute {
		t.Fatalf("expected configured delay, got %v", d.Delay)
	}

	rc.RetryDelaySeconds = 0
	if d := ShouldRetry(rc, 0, FailureBusy); d.Delay != 2*time.Minute {
		t.Fatalf("expected default delay, got %v", d.Delay)
	}
}

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateDraft, StateSyncing},
		{StateSyncing, StateRunning},
		{StateSyncing, StateCompleted},
		{StateSyncing, StateFailed},
		{StateRunning, StatePaused},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StatePaused, StateRunning},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateDraft, StateRunning},
		{StateDraft, StateCompleted},
		{StatePaused, StateCompleted},
		{StatePaused, StateFailed},
		{StateCompleted, StateRunning},
		{StateFailed, StateRunning},
		{StateRunning, StateRunning},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}
