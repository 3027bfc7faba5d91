package campaign

import "time"

// Campaign is a batch outbound-calling job over a set of targets.
//
// Counter invariant: ProcessedRows and FailedRows are monotonically
// non-decreasing and their sum never exceeds TotalRows. Counters are only
// mutated through QueueStore marks, never directly.
type Campaign struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	WorkflowID     string `json:"workflow_id" db:"workflow_id"`

	Name  string `json:"name" db:"name"`
	State State  `json:"state" db:"state"`

	SourceType string `json:"source_type" db:"source_type"`
	SourceID   string `json:"source_id" db:"source_id"`

	TotalRows     int `json:"total_rows" db:"total_rows"`
	ProcessedRows int `json:"processed_rows" db:"processed_rows"`
	FailedRows    int `json:"failed_rows" db:"failed_rows"`

	RateLimitPerSecond int `json:"rate_limit_per_second" db:"rate_limit_per_second"`
	MaxConcurrency     int `json:"max_concurrency" db:"max_concurrency"`

	RetryConfig RetryConfig `json:"retry_config" db:"retry_config"`

	// LastError is set when the campaign enters the failed state.
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LastBatchScheduledAt *time.Time `json:"last_batch_scheduled_at,omitempty" db:"last_batch_scheduled_at"`
	LastActivityAt       *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
}

// State is the campaign lifecycle phase.
type State string

const (
	StateDraft     State = "draft"
	StateSyncing   State = "syncing"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// CanTransitionTo reports whether moving from s to next follows the
// directed lifecycle graph:
//
//	draft → syncing → running → {paused ⇄ running, completed, failed}
//
// Failing is additionally allowed from syncing (source-sync failure).
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return false
	}
	switch s {
	case StateDraft:
		return next == StateSyncing
	case StateSyncing:
		return next == StateRunning || next == StateCompleted || next == StateFailed
	case StateRunning:
		return next == StatePaused || next == StateCompleted || next == StateFailed
	case StatePaused:
		return next == StateRunning
	default:
		// completed and failed are terminal.
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RetryConfig governs whether failed call attempts are requeued.
type RetryConfig struct {
	Enabled           bool `json:"enabled"`
	MaxRetries        int  `json:"max_retries"`
	RetryDelaySeconds int  `json:"retry_delay_seconds"`

	RetryOnBusy      bool `json:"retry_on_busy"`
	RetryOnNoAnswer  bool `json:"retry_on_no_answer"`
	RetryOnVoicemail bool `json:"retry_on_voicemail"`
}

// Delay returns the configured retry delay, defaulting to two minutes.
func (rc RetryConfig) Delay() time.Duration {
	if rc.RetryDelaySeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(rc.RetryDelaySeconds) * time.Second
}

// QueuedRun is one target row within a campaign.
//
// Claim invariant: a row is held by at most one claimer at any instant and
// only moves queued → processing → {processed | queued | failed}. Retry
// loops back to queued with RetryCount incremented and a future NextRetryAt.
type QueuedRun struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	// SourceUUID is unique per source row; re-syncing a source must not
	// duplicate targets.
	SourceUUID string `json:"source_uuid" db:"source_uuid"`

	// ContextVariables template the call (phone number, greeting fields, ...).
	ContextVariables map[string]string `json:"context_variables" db:"context_variables"`

	State       RunState   `json:"state" db:"state"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	RetryReason string     `json:"retry_reason,omitempty" db:"retry_reason"`

	// Disposition records which campaign counter this row has been
	// attributed to. A row contributes to exactly one counter, decided by
	// its first terminal marking; later markings never change counters.
	Disposition Disposition `json:"disposition,omitempty" db:"disposition"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PhoneNumber returns the row's destination number from context variables.
func (r QueuedRun) PhoneNumber() string {
	return r.ContextVariables["phone_number"]
}

type RunState string

const (
	RunStateQueued     RunState = "queued"
	RunStateProcessing RunState = "processing"
	RunStateProcessed  RunState = "processed"
	RunStateFailed     RunState = "failed"
)

type Disposition string

const (
	DispositionNone      Disposition = ""
	DispositionProcessed Disposition = "processed"
	DispositionFailed    Disposition = "failed"
)

// Progress is the queryable campaign progress snapshot.
type Progress struct {
	CampaignID    string     `json:"campaign_id"`
	State         State      `json:"state"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	FailedRows    int        `json:"failed_rows"`
	Percent       float64    `json:"percent"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ProgressOf computes the snapshot for a campaign.
func ProgressOf(c Campaign) Progress {
	p := Progress{
		CampaignID:    c.ID,
		State:         c.State,
		TotalRows:     c.TotalRows,
		ProcessedRows: c.ProcessedRows,
		FailedRows:    c.FailedRows,
		LastError:     c.LastError,
		CreatedAt:     c.CreatedAt,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
	}
	if c.TotalRows > 0 {
		p.Percent = 100 * float64(c.ProcessedRows+c.FailedRows) / float64(c.TotalRows)
	}
	return p
}

// QueueDepth summarizes the outstanding work of one campaign's queue.
type QueueDepth struct {
	// EligibleNow counts queued rows claimable immediately.
	EligibleNow int
	// AwaitingRetry counts queued rows whose next_retry_at is in the future.
	AwaitingRetry int
	// Processing counts rows currently claimed by a worker.
	Processing int
}

// Empty reports whether no work remains, now or later.
func (d QueueDepth) Empty() bool {
	return d.EligibleNow == 0 && d.AwaitingRetry == 0 && d.Processing == 0
}
