package campaign

import "time"

// FailureReason classifies why a call attempt did not connect.
type FailureReason string

const (
	FailureBusy      FailureReason = "busy"
	FailureNoAnswer  FailureReason = "no_answer"
	FailureVoicemail FailureReason = "voicemail"
	FailureOther     FailureReason = "other"
)

// RetryDecision is the outcome of consulting the retry policy.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// ShouldRetry decides whether a failed attempt is requeued and after what
// delay. Pure function: retry is denied once retries are disabled, the
// per-reason flag is off, or retryCount has reached MaxRetries.
func ShouldRetry(rc RetryConfig, retryCount int, reason FailureReason) RetryDecision {
	if !rc.Enabled {
		return RetryDecision{}
	}
	if retryCount >= rc.MaxRetries {
		return RetryDecision{}
	}
	switch reason {
	case FailureBusy:
		if !rc.RetryOnBusy {
			return RetryDecision{}
		}
	case FailureNoAnswer:
		if !rc.RetryOnNoAnswer {
			return RetryDecision{}
		}
	case FailureVoicemail:
		if !rc.RetryOnVoicemail {
			return RetryDecision{}
		}
	default:
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: rc.Delay()}
}
