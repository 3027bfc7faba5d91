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

// PostgresQueueStore implements QueueStore over database/sql.
//
// NOTE: assumes a `queued_runs` table with the columns scanned below,
// UNIQUE (campaign_id, source_uuid), and context_variables stored as JSONB.
// Counter updates ride the same transaction as row-state transitions.
type PostgresQueueStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db, clock: time.Now}
}

const runColumns = `
id, campaign_id, source_uuid, context_variables, state, retry_count,
next_retry_at, retry_reason, disposition, created_at`

func (s *PostgresQueueStore) CreateRuns(ctx context.Context, campaignID string, runs []NewRun) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	if len(runs) == 0 {
		return 0, nil
	}

	now := s.clock().UTC()
	inserted := 0
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO queued_runs (id, campaign_id, source_uuid, context_variables, state, retry_count, created_at)
VALUES (gen_random_uuid(), $1, $2, $3, 'queued', 0, $4)
ON CONFLICT (campaign_id, source_uuid) DO NOTHING
`
		for _, r := range runs {
			if r.SourceUUID == "" {
				return fmt.Errorf("%w: source_uuid required", ErrInvalidArgument)
			}
			cv, err := json.Marshal(r.ContextVariables)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, q, campaignID, r.SourceUUID, cv, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}

		if inserted > 0 {
			const upd = `UPDATE campaigns SET total_rows = total_rows + $2 WHERE id = $1`
			if _, err := tx.ExecContext(ctx, upd, campaignID, inserted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimBatch takes up to batchSize eligible rows with a claim-with-skip
// discipline: FOR UPDATE SKIP LOCKED locks only the rows this claimer takes
// and skips rows another claimer is mid-selecting, so concurrent claimers
// partition the queue without waiting on each other.
func (s *PostgresQueueStore) ClaimBatch(ctx context.Context, campaignID string, batchSize int) ([]QueuedRun, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	if batchSize <= 0 {
		return nil, nil
	}

	var out []QueuedRun
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE queued_runs SET state = 'processing'
WHERE id IN (
  SELECT id FROM queued_runs
  WHERE campaign_id = $1
    AND state = 'queued'
    AND (next_retry_at IS NULL OR next_retry_at <= $2)
  ORDER BY created_at, id
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + runColumns

		rows, err := tx.QueryContext(ctx, q, campaignID, s.clock().UTC(), batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresQueueStore) MarkProcessed(ctx context.Context, runID string) error {
	if runID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if r.State == RunStateProcessed {
			// Completion notifications may be delivered more than once.
			return nil
		}
		if r.State == RunStateFailed {
			return nil
		}

		count := r.Disposition == DispositionNone
		const q = `UPDATE queued_runs SET state = 'processed', disposition = 'processed' WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return err
		}
		if count {
			return bumpCounter(ctx, tx, r.CampaignID, "processed_rows")
		}
		return nil
	})
}

func (s *PostgresQueueStore) MarkRetry(ctx context.Context, runID string, delay time.Duration, reason FailureReason) error {
	if runID == "" {
		return ErrInvalidArgument
	}
	if delay < 0 {
		delay = 0
	}
	due := s.clock().UTC().Add(delay)
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if r.State == RunStateFailed || r.State == RunStateQueued {
			return nil
		}
		const q = `
UPDATE queued_runs SET state = 'queued', retry_count = retry_count + 1, next_retry_at = $2, retry_reason = $3
WHERE id = $1
`
		_, err = tx.ExecContext(ctx, q, runID, due, string(reason))
		return err
	})
}

func (s *PostgresQueueStore) MarkFailedPermanently(ctx context.Context, runID string) error {
	if runID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if r.State == RunStateFailed {
			return nil
		}

		// A row already counted processed keeps that attribution; the state
		// still becomes failed so it is never claimed again.
		count := r.Disposition == DispositionNone
		q := `UPDATE queued_runs SET state = 'failed' WHERE id = $1`
		if count {
			q = `UPDATE queued_runs SET state = 'failed', disposition = 'failed' WHERE id = $1`
		}
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return err
		}
		if count {
			return bumpCounter(ctx, tx, r.CampaignID, "failed_rows")
		}
		return nil
	})
}

func (s *PostgresQueueStore) ReleaseClaim(ctx context.Context, runID string) error {
	if runID == "" {
		return ErrInvalidArgument
	}
	const q = `UPDATE queued_runs SET state = 'queued' WHERE id = $1 AND state = 'processing'`
	_, err := s.db.ExecContext(ctx, q, runID)
	return err
}

func (s *PostgresQueueStore) GetRun(ctx context.Context, runID string) (QueuedRun, error) {
	if runID == "" {
		return QueuedRun{}, ErrInvalidArgument
	}
	q := `SELECT ` + runColumns + ` FROM queued_runs WHERE id = $1`
	r, err := scanRun(s.db.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueuedRun{}, ErrNotFound
		}
		return QueuedRun{}, err
	}
	return r, nil
}

func (s *PostgresQueueStore) Depth(ctx context.Context, campaignID string) (QueueDepth, error) {
	if campaignID == "" {
		return QueueDepth{}, ErrInvalidArgument
	}
	const q = `
SELECT
  COUNT(*) FILTER (WHERE state = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $2)),
  COUNT(*) FILTER (WHERE state = 'queued' AND next_retry_at > $2),
  COUNT(*) FILTER (WHERE state = 'processing')
FROM queued_runs WHERE campaign_id = $1
`
	var d QueueDepth
	if err := s.db.QueryRowContext(ctx, q, campaignID, s.clock().UTC()).Scan(
		&d.EligibleNow, &d.AwaitingRetry, &d.Processing,
	); err != nil {
		return QueueDepth{}, err
	}
	return d, nil
}

func lockRun(ctx context.Context, tx *sql.Tx, runID string) (QueuedRun, error) {
	q := `SELECT ` + runColumns + ` FROM queued_runs WHERE id = $1 FOR UPDATE`
	r, err := scanRun(tx.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueuedRun{}, ErrNotFound
		}
		return QueuedRun{}, err
	}
	return r, nil
}

func bumpCounter(ctx context.Context, tx *sql.Tx, campaignID, column string) error {
	// column is one of two constants above, never caller input.
	q := fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1 WHERE id = $1`, column, column)
	_, err := tx.ExecContext(ctx, q, campaignID)
	return err
}

func scanRun(r rowScanner) (QueuedRun, error) {
	var run QueuedRun
	var cv []byte
	var reason sql.NullString
	var disposition sql.NullString
	err := r.Scan(
		&run.ID, &run.CampaignID, &run.SourceUUID, &cv, &run.State, &run.RetryCount,
		&run.NextRetryAt, &reason, &disposition, &run.CreatedAt,
	)
	if err != nil {
		return QueuedRun{}, err
	}
	if len(cv) > 0 {
		if err := json.Unmarshal(cv, &run.ContextVariables); err != nil {
			return QueuedRun{}, fmt.Errorf("run %s: bad context_variables: %w", run.ID, err)
		}
	}
	run.RetryReason = reason.String
	run.Disposition = Disposition(disposition.String)
	return run, nil
}
