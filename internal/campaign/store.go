package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-dispatch/pkg/utils"
)

var (
	ErrNotFound          = errors.New("campaign: not found")
	ErrInvalidArgument   = errors.New("campaign: invalid argument")
	ErrInvalidTransition = errors.New("campaign: invalid state transition")
)

// Store owns durable Campaign rows. All state changes go through it so the
// lifecycle graph and counter invariants hold under concurrent mutation.
type Store interface {
	Create(ctx context.Context, c Campaign) (Campaign, error)
	Get(ctx context.Context, id string) (Campaign, error)
	List(ctx context.Context, organizationID string) ([]Campaign, error)
	ListByState(ctx context.Context, states ...State) ([]Campaign, error)

	// Transition moves the campaign to next, enforcing the lifecycle graph.
	// mutate, when non-nil, adjusts timestamps/totals/error inside the same
	// update. Returns ErrInvalidTransition when the graph forbids the move.
	Transition(ctx context.Context, id string, next State, mutate func(*Campaign)) (Campaign, error)

	// TouchActivity records batch-scheduling activity for the stale monitor.
	TouchActivity(ctx context.Context, id string, batchScheduled bool) error
}

// NewRun is the ingestion shape for one target row.
type NewRun struct {
	SourceUUID       string
	ContextVariables map[string]string
}

// QueueStore owns durable QueuedRun rows and the campaign counters that
// derive from their terminal markings.
type QueueStore interface {
	// CreateRuns inserts target rows, skipping source_uuids already present
	// for the campaign, and raises total_rows by the number inserted.
	CreateRuns(ctx context.Context, campaignID string, runs []NewRun) (int, error)

	// ClaimBatch atomically claims up to batchSize eligible queued rows
	// (never retried, or next_retry_at due), moving them to processing.
	// Concurrent claimers never receive overlapping sets and never block on
	// each other's in-flight claims.
	ClaimBatch(ctx context.Context, campaignID string, batchSize int) ([]QueuedRun, error)

	// MarkProcessed is idempotent; the campaign's processed_rows counter is
	// incremented at most once per row, on its first terminal marking.
	MarkProcessed(ctx context.Context, runID string) error

	// MarkRetry returns the row to queued with retry_count+1 and
	// next_retry_at = now + delay, recording the reason for the attempt.
	MarkRetry(ctx context.Context, runID string, delay time.Duration, reason FailureReason) error

	// MarkFailedPermanently is terminal; failed_rows is incremented at most
	// once per row, and only if the row was never counted processed.
	MarkFailedPermanently(ctx context.Context, runID string) error

	// ReleaseClaim returns a processing row to queued without touching its
	// retry state. Used when admission (slot/token) timed out.
	ReleaseClaim(ctx context.Context, runID string) error

	GetRun(ctx context.Context, runID string) (QueuedRun, error)
	Depth(ctx context.Context, campaignID string) (QueueDepth, error)
}

// PostgresStore implements Store over database/sql.
//
// NOTE: assumes a `campaigns` table with the columns scanned below;
// retry_config is stored as JSONB.
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const campaignColumns = `
id, organization_id, workflow_id, name, state, source_type, source_id,
total_rows, processed_rows, failed_rows, rate_limit_per_second, max_concurrency,
retry_config, last_error, created_at, started_at, completed_at,
last_batch_scheduled_at, last_activity_at`

func (s *PostgresStore) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" || c.OrganizationID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	if c.State == "" {
		c.State = StateDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().UTC()
	}

	rc, err := json.Marshal(c.RetryConfig)
	if err != nil {
		return Campaign{}, err
	}

	const q = `
INSERT INTO campaigns (
  id, organization_id, workflow_id, name, state, source_type, source_id,
  total_rows, processed_rows, failed_rows, rate_limit_per_second, max_concurrency,
  retry_config, last_error, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`
	_, err = s.db.ExecContext(ctx, q,
		c.ID, c.OrganizationID, c.WorkflowID, c.Name, c.State, c.SourceType, c.SourceID,
		c.TotalRows, c.ProcessedRows, c.FailedRows, c.RateLimitPerSecond, c.MaxConcurrency,
		rc, c.LastError, c.CreatedAt,
	)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Campaign, error) {
	if id == "" {
		return Campaign{}, ErrInvalidArgument
	}
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) List(ctx context.Context, organizationID string) ([]Campaign, error) {
	if organizationID == "" {
		return nil, ErrInvalidArgument
	}
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE organization_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func (s *PostgresStore) ListByState(ctx context.Context, states ...State) ([]Campaign, error) {
	if len(states) == 0 {
		return nil, ErrInvalidArgument
	}
	// Small fixed set of states; build placeholders by hand.
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE state = ANY($1)`
	vals := make([]string, len(states))
	for i, st := range states {
		vals[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, q, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, next State, mutate func(*Campaign)) (Campaign, error) {
	if id == "" {
		return Campaign{}, ErrInvalidArgument
	}

	var out Campaign
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row to serialize concurrent transitions per campaign.
		q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1 FOR UPDATE`
		c, err := scanCampaign(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		if !c.State.CanTransitionTo(next) {
			// Redelivered events land here; the caller decides whether the
			// duplicate is benign.
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, next)
		}

		c.State = next
		if mutate != nil {
			mutate(&c)
		}

		rc, err := json.Marshal(c.RetryConfig)
		if err != nil {
			return err
		}
		const upd = `
UPDATE campaigns SET
  state = $2, total_rows = $3, retry_config = $4, last_error = $5,
  started_at = $6, completed_at = $7, last_batch_scheduled_at = $8, last_activity_at = $9
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, upd, c.ID,
			c.State, c.TotalRows, rc, c.LastError,
			c.StartedAt, c.CompletedAt, c.LastBatchScheduledAt, c.LastActivityAt,
		); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *PostgresStore) TouchActivity(ctx context.Context, id string, batchScheduled bool) error {
	if id == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	if batchScheduled {
		const q = `UPDATE campaigns SET last_activity_at = $2, last_batch_scheduled_at = $2 WHERE id = $1`
		_, err := s.db.ExecContext(ctx, q, id, now)
		return err
	}
	const q = `UPDATE campaigns SET last_activity_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var c Campaign
	var rc []byte
	err := r.Scan(
		&c.ID, &c.OrganizationID, &c.WorkflowID, &c.Name, &c.State, &c.SourceType, &c.SourceID,
		&c.TotalRows, &c.ProcessedRows, &c.FailedRows, &c.RateLimitPerSecond, &c.MaxConcurrency,
		&rc, &c.LastError, &c.CreatedAt, &c.StartedAt, &c.CompletedAt,
		&c.LastBatchScheduledAt, &c.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	if len(rc) > 0 {
		if err := json.Unmarshal(rc, &c.RetryConfig); err != nil {
			return Campaign{}, fmt.Errorf("campaign %s: bad retry_config: %w", c.ID, err)
		}
	}
	return c, nil
}

func collectCampaigns(rows *sql.Rows) ([]Campaign, error) {
	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
