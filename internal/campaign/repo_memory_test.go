package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedCampaign(t *testing.T, m *MemoryStore, rows int) Campaign {
	t.Helper()
	c, err := m.Create(context.Background(), Campaign{
		ID:             "camp-1",
		OrganizationID: "org-1",
		WorkflowID:     "wf-1",
		Name:           "test",
		State:          StateRunning,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	runs := make([]NewRun, 0, rows)
	for i := 0; i < rows; i++ {
		runs = append(runs, NewRun{
			SourceUUID:       fmt.Sprintf("src-%02d", i),
			ContextVariables: map[string]string{"phone_number": fmt.Sprintf("+1555000%04d", i)},
		})
	}
	if _, err := m.CreateRuns(context.Background(), c.ID, runs); err != nil {
		t.Fatalf("create runs: %v", err)
	}
	return c
}

func TestCreateRuns_DeduplicatesSourceUUID(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 5)

	n, err := m.CreateRuns(context.Background(), c.ID, []NewRun{
		{SourceUUID: "src-00"}, // duplicate from seed
		{SourceUUID: "src-99"},
	})
	if err != nil {
		t.Fatalf("create runs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}
	got, _ := m.Get(context.Background(), c.ID)
	if got.TotalRows != 6 {
		t.Fatalf("expected total_rows 6, got %d", got.TotalRows)
	}
}

func TestClaimBatch_ConcurrentClaimersDoNotOverlap(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 10)

	var mu sync.Mutex
	var claimed []string
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs, err := m.ClaimBatch(context.Background(), c.ID, 4)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, r := range runs {
				claimed = append(claimed, r.ID)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != 10 {
		t.Fatalf("expected 10 rows claimed in total, got %d", len(claimed))
	}
	uniq := map[string]bool{}
	for _, id := range claimed {
		if uniq[id] {
			t.Fatalf("row %s claimed twice", id)
		}
		uniq[id] = true
	}
}

func TestClaimBatch_HonorsNextRetryAt(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 2)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 2)
	if len(runs) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(runs))
	}
	if err := m.MarkRetry(context.Background(), runs[0].ID, time.Hour, FailureBusy); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if err := m.MarkRetry(context.Background(), runs[1].ID, -time.Second, FailureBusy); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	again, _ := m.ClaimBatch(context.Background(), c.ID, 10)
	if len(again) != 1 {
		t.Fatalf("expected only the due retry to be claimable, got %d", len(again))
	}
	if again[0].ID != runs[1].ID {
		t.Fatalf("claimed the wrong row")
	}
	if again[0].RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", again[0].RetryCount)
	}
}

func TestMarkProcessed_IdempotentCounter(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 1)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	for i := 0; i < 3; i++ {
		if err := m.MarkProcessed(context.Background(), runs[0].ID); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
	}
	got, _ := m.Get(context.Background(), c.ID)
	if got.ProcessedRows != 1 {
		t.Fatalf("expected processed_rows 1, got %d", got.ProcessedRows)
	}
}

func TestMarkFailedPermanently_SingleCounterPerRow(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 1)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	id := runs[0].ID

	if err := m.MarkProcessed(context.Background(), id); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	// A later terminal failure (retries exhausted) must not add a second
	// counter attribution for the same row.
	if err := m.MarkFailedPermanently(context.Background(), id); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := m.Get(context.Background(), c.ID)
	if got.ProcessedRows != 1 || got.FailedRows != 0 {
		t.Fatalf("expected 1/0 counters, got %d/%d", got.ProcessedRows, got.FailedRows)
	}
	if got.ProcessedRows+got.FailedRows > got.TotalRows {
		t.Fatalf("counter invariant violated: %d + %d > %d", got.ProcessedRows, got.FailedRows, got.TotalRows)
	}

	run, _ := m.GetRun(context.Background(), id)
	if run.State != RunStateFailed {
		t.Fatalf("expected failed state, got %s", run.State)
	}
}

func TestFailedRowsNeverReclaimed(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 1)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	if err := m.MarkFailedPermanently(context.Background(), runs[0].ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	if len(again) != 0 {
		t.Fatalf("failed row was reclaimed")
	}
}

func TestReleaseClaim_ReturnsRowWithoutRetryCost(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 1)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	if err := m.ReleaseClaim(context.Background(), runs[0].ID); err != nil {
		t.Fatalf("release claim: %v", err)
	}
	again, _ := m.ClaimBatch(context.Background(), c.ID, 1)
	if len(again) != 1 {
		t.Fatalf("released row should be claimable again")
	}
	if again[0].RetryCount != 0 {
		t.Fatalf("release must not increment retry_count")
	}
}

func TestDepth(t *testing.T) {
	m := NewMemoryStore()
	c := seedCampaign(t, m, 3)

	runs, _ := m.ClaimBatch(context.Background(), c.ID, 2)
	if err := m.MarkRetry(context.Background(), runs[0].ID, time.Hour, FailureNoAnswer); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	d, err := m.Depth(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.EligibleNow != 1 || d.AwaitingRetry != 1 || d.Processing != 1 {
		t.Fatalf("unexpected depth: %+v", d)
	}
	if d.Empty() {
		t.Fatalf("depth should not be empty")
	}
}

func TestTransition_RejectsIllegalMove(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.Create(context.Background(), Campaign{ID: "c-draft", OrganizationID: "org-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Transition(context.Background(), "c-draft", StateRunning, nil); err == nil {
		t.Fatalf("expected invalid transition error for draft -> running")
	}
	if _, err := m.Transition(context.Background(), "c-draft", StateSyncing, nil); err != nil {
		t.Fatalf("draft -> syncing should be legal, got %v", err)
	}
}
