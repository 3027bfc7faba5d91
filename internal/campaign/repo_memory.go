package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store and QueueStore for
// tests and early development. Claiming is atomic under one mutex, which
// preserves the exactly-once property the Postgres implementation gets from
// FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]*Campaign
	runs      map[string]*QueuedRun

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]*Campaign{},
		runs:      map[string]*QueuedRun{},
		Clock:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)
var _ QueueStore = (*MemoryStore)(nil)

func (m *MemoryStore) now() time.Time { return m.Clock().UTC() }

/* ----- Store ----- */

func (m *MemoryStore) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" || c.OrganizationID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	if c.State == "" {
		c.State = StateDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; ok {
		return Campaign{}, fmt.Errorf("campaign %s already exists", c.ID)
	}
	cp := c
	m.campaigns[c.ID] = &cp
	return c, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (m *MemoryStore) List(ctx context.Context, organizationID string) ([]Campaign, error) {
	if organizationID == "" {
		return nil, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range m.campaigns {
		if c.OrganizationID == organizationID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, states ...State) ([]Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range m.campaigns {
		for _, st := range states {
			if c.State == st {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, next State, mutate func(*Campaign)) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if !c.State.CanTransitionTo(next) {
		return Campaign{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, next)
	}
	c.State = next
	if mutate != nil {
		mutate(c)
	}
	return *c, nil
}

func (m *MemoryStore) TouchActivity(ctx context.Context, id string, batchScheduled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	c.LastActivityAt = &now
	if batchScheduled {
		c.LastBatchScheduledAt = &now
	}
	return nil
}

/* ----- QueueStore ----- */

func (m *MemoryStore) CreateRuns(ctx context.Context, campaignID string, runs []NewRun) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, r := range m.runs {
		if r.CampaignID == campaignID {
			seen[r.SourceUUID] = true
		}
	}

	inserted := 0
	now := m.now()
	for _, nr := range runs {
		if nr.SourceUUID == "" {
			return 0, fmt.Errorf("%w: source_uuid required", ErrInvalidArgument)
		}
		if seen[nr.SourceUUID] {
			continue
		}
		seen[nr.SourceUUID] = true
		run := &QueuedRun{
			ID:               uuid.NewString(),
			CampaignID:       campaignID,
			SourceUUID:       nr.SourceUUID,
			ContextVariables: nr.ContextVariables,
			State:            RunStateQueued,
			CreatedAt:        now,
		}
		m.runs[run.ID] = run
		inserted++
	}
	if c, ok := m.campaigns[campaignID]; ok {
		c.TotalRows += inserted
	}
	return inserted, nil
}

func (m *MemoryStore) ClaimBatch(ctx context.Context, campaignID string, batchSize int) ([]QueuedRun, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	if batchSize <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	eligible := make([]*QueuedRun, 0)
	for _, r := range m.runs {
		if r.CampaignID != campaignID || r.State != RunStateQueued {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	out := make([]QueuedRun, 0, len(eligible))
	for _, r := range eligible {
		r.State = RunStateProcessing
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.State == RunStateProcessed || r.State == RunStateFailed {
		return nil
	}
	if r.Disposition == DispositionNone {
		r.Disposition = DispositionProcessed
		if c, ok := m.campaigns[r.CampaignID]; ok {
			c.ProcessedRows++
		}
	}
	r.State = RunStateProcessed
	return nil
}

func (m *MemoryStore) MarkRetry(ctx context.Context, runID string, delay time.Duration, reason FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.State == RunStateFailed || r.State == RunStateQueued {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	due := m.now().Add(delay)
	r.State = RunStateQueued
	r.RetryCount++
	r.NextRetryAt = &due
	r.RetryReason = string(reason)
	return nil
}

func (m *MemoryStore) MarkFailedPermanently(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.State == RunStateFailed {
		return nil
	}
	if r.Disposition == DispositionNone {
		r.Disposition = DispositionFailed
		if c, ok := m.campaigns[r.CampaignID]; ok {
			c.FailedRows++
		}
	}
	r.State = RunStateFailed
	return nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.State == RunStateProcessing {
		r.State = RunStateQueued
	}
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (QueuedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return QueuedRun{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) Depth(ctx context.Context, campaignID string) (QueueDepth, error) {
	if campaignID == "" {
		return QueueDepth{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var d QueueDepth
	for _, r := range m.runs {
		if r.CampaignID != campaignID {
			continue
		}
		switch r.State {
		case RunStateQueued:
			if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
				d.AwaitingRetry++
			} else {
				d.EligibleNow++
			}
		case RunStateProcessing:
			d.Processing++
		}
	}
	return d, nil
}

// Runs returns a snapshot of all rows for a campaign, ordered by creation.
// Test helper.
func (m *MemoryStore) Runs(campaignID string) []QueuedRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueuedRun, 0)
	for _, r := range m.runs {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceUUID < out[j].SourceUUID })
	return out
}
