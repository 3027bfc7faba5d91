package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/telephony"
)

type placedCall struct {
	RunID      string
	SourceUUID string
	SlotID     string
	CallID     string
}

type fakeCaller struct {
	mu      sync.Mutex
	placed  []placedCall
	failFor map[string]bool // source uuid -> placement error
}

func (f *fakeCaller) PlaceCall(_ context.Context, run campaign.QueuedRun, _ campaign.Campaign, slotID string) (telephony.CallHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[run.SourceUUID] {
		return telephony.CallHandle{}, errors.New("provider rejected call")
	}
	call := placedCall{
		RunID:      run.ID,
		SourceUUID: run.SourceUUID,
		SlotID:     slotID,
		CallID:     "call-" + run.ID,
	}
	f.placed = append(f.placed, call)
	return telephony.CallHandle{CallID: call.CallID, Provider: "fake"}, nil
}

func (f *fakeCaller) calls() []placedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedCall, len(f.placed))
	copy(out, f.placed)
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]string // call id -> tags
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, callID string, _ telephony.TerminalStatus, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string][]string)
	}
	f.outcomes[callID] = tags
	return nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string, int) (bool, error) { return false, nil }

type testRig struct {
	store    *campaign.MemoryStore
	slots    *MemorySlotManager
	caller   *fakeCaller
	recorder *fakeRecorder
	bus      *events.MemoryPublisher
	d        *Dispatcher
}

func newRig(opts Options) *testRig {
	r := &testRig{
		store:    campaign.NewMemoryStore(),
		slots:    NewMemorySlotManager(time.Hour),
		caller:   &fakeCaller{},
		recorder: &fakeRecorder{},
		bus:      events.NewMemoryPublisher(),
	}
	r.d = NewDispatcher(r.store, r.store, r.slots, NewMemoryRateLimiter(), r.caller, r.recorder, r.bus, opts)
	r.d.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func seedRunning(t *testing.T, r *testRig, rows int, mutate func(*campaign.Campaign)) campaign.Campaign {
	t.Helper()
	c := campaign.Campaign{
		ID:             "camp-1",
		OrganizationID: "org-1",
		WorkflowID:     "wf-1",
		Name:           "q3 renewals",
		State:          campaign.StateRunning,
		SourceType:     "static",
		SourceID:       "src-1",
		MaxConcurrency: 100,
	}
	if mutate != nil {
		mutate(&c)
	}
	if _, err := r.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	newRuns := make([]campaign.NewRun, 0, rows)
	for i := 0; i < rows; i++ {
		newRuns = append(newRuns, campaign.NewRun{
			SourceUUID:       fmt.Sprintf("src-%02d", i),
			ContextVariables: map[string]string{"phone_number": fmt.Sprintf("+1555000%04d", i)},
		})
	}
	if _, err := r.store.CreateRuns(context.Background(), c.ID, newRuns); err != nil {
		t.Fatalf("create runs: %v", err)
	}
	return c
}

func TestProcessBatch_ConcurrentWorkersDispatchEachRowOnce(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 10, nil)

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 5)
			if err != nil {
				t.Errorf("worker %d: %v", w, err)
			}
			totals[w] = n
		}(w)
	}
	wg.Wait()

	if totals[0]+totals[1] != 10 {
		t.Fatalf("dispatched %d + %d rows, want 10 total", totals[0], totals[1])
	}
	seen := map[string]int{}
	for _, call := range r.caller.calls() {
		seen[call.SourceUUID]++
	}
	if len(seen) != 10 {
		t.Fatalf("placed calls for %d distinct rows, want 10", len(seen))
	}
	for uuid, n := range seen {
		if n != 1 {
			t.Fatalf("row %s dispatched %d times", uuid, n)
		}
	}
	c, _ := r.store.Get(context.Background(), "camp-1")
	if c.ProcessedRows != 10 || c.FailedRows != 0 {
		t.Fatalf("counters = %d/%d, want 10/0", c.ProcessedRows, c.FailedRows)
	}
}

func TestProcessBatch_SequentialBatchesDrainQueue(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 10, nil)

	want := []int{4, 4, 2, 0}
	for i, w := range want {
		n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 4)
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if n != w {
			t.Fatalf("batch %d dispatched %d rows, want %d", i, n, w)
		}
	}
	depth, _ := r.store.Depth(context.Background(), "camp-1")
	if !depth.Empty() {
		t.Fatalf("queue not drained: %+v", depth)
	}
}

func TestProcessBatch_SkipsCampaignNotRunning(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 5, func(c *campaign.Campaign) { c.State = campaign.StatePaused })

	n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d rows from paused campaign", n)
	}
	if len(r.caller.calls()) != 0 {
		t.Fatal("calls placed for paused campaign")
	}
	depth, _ := r.store.Depth(context.Background(), "camp-1")
	if depth.EligibleNow != 5 {
		t.Fatalf("eligible rows = %d, want 5 untouched", depth.EligibleNow)
	}
}

func TestProcessBatch_EmptyQueue(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 0, nil)

	n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d rows from empty queue", n)
	}
}

func TestProcessBatch_RowPlacementFailureIsIsolated(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 5, nil)
	r.caller.failFor = map[string]bool{"src-02": true}

	n, failed, err := r.d.ProcessBatch(context.Background(), "camp-1", 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 4 || failed != 1 {
		t.Fatalf("batch reported %d dispatched / %d failed, want 4/1", n, failed)
	}
	if got := len(r.caller.calls()); got != 4 {
		t.Fatalf("placed %d calls, want 4", got)
	}
	c, _ := r.store.Get(context.Background(), "camp-1")
	if c.ProcessedRows != 4 || c.FailedRows != 1 {
		t.Fatalf("counters = %d/%d, want 4/1", c.ProcessedRows, c.FailedRows)
	}
	for _, run := range r.store.Runs("camp-1") {
		if run.SourceUUID == "src-02" && run.State != campaign.RunStateFailed {
			t.Fatalf("failed row in state %s", run.State)
		}
	}
	held, _ := r.slots.Held(context.Background(), "org-1")
	if held != 4 {
		t.Fatalf("held slots = %d, want 4 (failed placement must release its slot)", held)
	}
}

func TestProcessBatch_SlotTimeoutReleasesRemainingRows(t *testing.T) {
	r := newRig(Options{SlotWaitTimeout: 30 * time.Millisecond})
	seedRunning(t, r, 5, func(c *campaign.Campaign) { c.MaxConcurrency = 2 })

	n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 5)
	if n != 2 {
		t.Fatalf("dispatched %d rows before stall, want 2", n)
	}
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("error = %v, want admission timeout", err)
	}
	var slotErr *SlotAcquisitionTimeoutError
	if !errors.As(err, &slotErr) {
		t.Fatalf("error type = %T", err)
	}
	if slotErr.OrganizationID != "org-1" || slotErr.CampaignID != "camp-1" {
		t.Fatalf("unexpected error detail: %+v", slotErr)
	}

	depth, _ := r.store.Depth(context.Background(), "camp-1")
	if depth.EligibleNow != 3 || depth.Processing != 0 {
		t.Fatalf("depth after release = %+v, want 3 eligible, 0 processing", depth)
	}
	for _, run := range r.store.Runs("camp-1") {
		if run.RetryCount != 0 {
			t.Fatalf("released row %s charged a retry", run.SourceUUID)
		}
	}
}

func TestProcessBatch_SlotCeilingHoldsAcrossWorkers(t *testing.T) {
	r := newRig(Options{SlotWaitTimeout: 30 * time.Millisecond})
	seedRunning(t, r, 10, func(c *campaign.Campaign) { c.MaxConcurrency = 3 })

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Both workers stall once the three slots are taken.
			_, _, _ = r.d.ProcessBatch(context.Background(), "camp-1", 5)
		}()
	}
	wg.Wait()

	held, _ := r.slots.Held(context.Background(), "org-1")
	if held > 3 {
		t.Fatalf("held slots = %d, ceiling is 3", held)
	}
	if got := len(r.caller.calls()); got != 3 {
		t.Fatalf("placed %d calls with no completions, want 3", got)
	}
}

func TestProcessBatch_RateTokenTimeout(t *testing.T) {
	r := newRig(Options{TokenWaitTimeout: 30 * time.Millisecond})
	seedRunning(t, r, 4, func(c *campaign.Campaign) { c.RateLimitPerSecond = 1 })
	r.d.rate = denyAllLimiter{}

	n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 4)
	if n != 0 {
		t.Fatalf("dispatched %d rows with no tokens", n)
	}
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("error = %v, want admission timeout", err)
	}
	depth, _ := r.store.Depth(context.Background(), "camp-1")
	if depth.EligibleNow != 4 {
		t.Fatalf("eligible rows = %d, want all 4 released", depth.EligibleNow)
	}
}

func dispatchOne(t *testing.T, r *testRig) placedCall {
	t.Helper()
	n, _, err := r.d.ProcessBatch(context.Background(), "camp-1", 1)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d rows, want 1", n)
	}
	calls := r.caller.calls()
	return calls[len(calls)-1]
}

func TestOnCallTerminalStatus_SuccessReleasesSlot(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, nil)
	call := dispatchOne(t, r)

	if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusCompleted, 42); err != nil {
		t.Fatalf("OnCallTerminalStatus: %v", err)
	}

	held, _ := r.slots.Held(context.Background(), "org-1")
	if held != 0 {
		t.Fatalf("held slots = %d after completion", held)
	}
	if _, ok, _ := r.slots.GetMapping(context.Background(), call.CallID); ok {
		t.Fatal("call mapping survived completion")
	}
	inFlight, _ := r.slots.InFlight(context.Background(), "camp-1")
	if inFlight != 0 {
		t.Fatalf("in-flight = %d after completion", inFlight)
	}
	run, _ := r.store.GetRun(context.Background(), call.RunID)
	if run.State != campaign.RunStateProcessed {
		t.Fatalf("run state = %s", run.State)
	}
	if got := r.bus.ByType(events.TypeCallCompleted); len(got) != 1 || got[0].DurationSeconds != 42 {
		t.Fatalf("call_completed events = %+v", got)
	}
}

func TestOnCallTerminalStatus_UnknownCallIsNoOp(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, nil)

	if err := r.d.OnCallTerminalStatus(context.Background(), "call-unknown", telephony.StatusCompleted, 0); err != nil {
		t.Fatalf("OnCallTerminalStatus: %v", err)
	}
	if len(r.bus.Events()) != 0 {
		t.Fatal("events published for unknown call")
	}
}

func TestOnCallTerminalStatus_DuplicateDeliveryIdempotent(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, nil)
	call := dispatchOne(t, r)

	for i := 0; i < 3; i++ {
		if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusCompleted, 10); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	c, _ := r.store.Get(context.Background(), "camp-1")
	if c.ProcessedRows != 1 {
		t.Fatalf("processed_rows = %d after duplicate deliveries, want 1", c.ProcessedRows)
	}
	if got := len(r.bus.ByType(events.TypeCallCompleted)); got != 1 {
		t.Fatalf("call_completed published %d times, want 1", got)
	}
}

func retryingCampaign(maxRetries int) func(*campaign.Campaign) {
	return func(c *campaign.Campaign) {
		c.RetryConfig = campaign.RetryConfig{
			Enabled:           true,
			MaxRetries:        maxRetries,
			RetryDelaySeconds: 60,
			RetryOnBusy:       true,
			RetryOnNoAnswer:   true,
		}
	}
}

func TestOnCallTerminalStatus_BusySchedulesRetry(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, retryingCampaign(2))
	call := dispatchOne(t, r)

	if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusBusy, 0); err != nil {
		t.Fatalf("OnCallTerminalStatus: %v", err)
	}

	run, _ := r.store.GetRun(context.Background(), call.RunID)
	if run.State != campaign.RunStateQueued {
		t.Fatalf("run state = %s, want queued", run.State)
	}
	if run.RetryCount != 1 || run.RetryReason != "busy" {
		t.Fatalf("retry bookkeeping = count %d reason %q", run.RetryCount, run.RetryReason)
	}
	if run.NextRetryAt == nil || !run.NextRetryAt.After(time.Now().Add(30*time.Second)) {
		t.Fatalf("next_retry_at = %v, want about a minute out", run.NextRetryAt)
	}
	held, _ := r.slots.Held(context.Background(), "org-1")
	if held != 0 {
		t.Fatalf("held slots = %d after busy", held)
	}
	evs := r.bus.ByType(events.TypeRetryNeeded)
	if len(evs) != 1 || evs[0].RunID != call.RunID || evs[0].DelaySeconds != 60 {
		t.Fatalf("retry_needed events = %+v", evs)
	}
}

func TestOnCallTerminalStatus_RetryBoundThenPermanentFailure(t *testing.T) {
	r := newRig(Options{})
	now := time.Now()
	r.store.Clock = func() time.Time { return now }
	seedRunning(t, r, 1, retryingCampaign(2))

	attempts := 0
	for {
		call := dispatchOne(t, r)
		attempts++
		if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusBusy, 0); err != nil {
			t.Fatalf("attempt %d: %v", attempts, err)
		}
		run, _ := r.store.GetRun(context.Background(), call.RunID)
		if run.State == campaign.RunStateFailed {
			break
		}
		if attempts > 5 {
			t.Fatal("retries never exhausted")
		}
		now = now.Add(2 * time.Minute)
	}

	if attempts != 3 {
		t.Fatalf("attempts = %d, want initial + 2 retries", attempts)
	}
	calls := r.caller.calls()
	last := calls[len(calls)-1]
	tags := r.recorder.outcomes[last.CallID]
	if len(tags) != 2 || tags[0] != "not_connected" || tags[1] != "telephony_busy" {
		t.Fatalf("outcome tags = %v", tags)
	}
}

func TestOnCallTerminalStatus_NonRetryableFailsPermanently(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, retryingCampaign(3))
	call := dispatchOne(t, r)

	if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusFailed, 0); err != nil {
		t.Fatalf("OnCallTerminalStatus: %v", err)
	}

	run, _ := r.store.GetRun(context.Background(), call.RunID)
	if run.State != campaign.RunStateFailed {
		t.Fatalf("run state = %s, want failed", run.State)
	}
	if run.RetryCount != 0 {
		t.Fatalf("non-retryable status charged %d retries", run.RetryCount)
	}
	tags := r.recorder.outcomes[call.CallID]
	if len(tags) != 2 || tags[1] != "telephony_failed" {
		t.Fatalf("outcome tags = %v", tags)
	}
	if got := len(r.bus.ByType(events.TypeCallCompleted)); got != 1 {
		t.Fatalf("call_completed published %d times for failed call, want 1", got)
	}
	inFlight, _ := r.slots.InFlight(context.Background(), "camp-1")
	if inFlight != 0 {
		t.Fatalf("in-flight = %d after permanent failure", inFlight)
	}
}

func TestOnCallTerminalStatus_RetryDisabledFailsPermanently(t *testing.T) {
	r := newRig(Options{})
	seedRunning(t, r, 1, nil)
	call := dispatchOne(t, r)

	if err := r.d.OnCallTerminalStatus(context.Background(), call.CallID, telephony.StatusBusy, 0); err != nil {
		t.Fatalf("OnCallTerminalStatus: %v", err)
	}
	run, _ := r.store.GetRun(context.Background(), call.RunID)
	if run.State != campaign.RunStateFailed {
		t.Fatalf("run state = %s, want failed with retries disabled", run.State)
	}
}
