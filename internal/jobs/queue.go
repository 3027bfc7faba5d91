// Package jobs is the background work queue for campaign processing: source
// syncs and batch dispatch runs. Jobs travel as JSON on a Redis list, with a
// sorted set holding delayed jobs until they come due.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindSyncCampaignSource   Kind = "sync_campaign_source"
	KindProcessCampaignBatch Kind = "process_campaign_batch"
)

// Job is the queue payload.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	BatchSize  int       `json:"batch_size,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func SyncCampaignSource(campaignID string) Job {
	return Job{ID: uuid.NewString(), Kind: KindSyncCampaignSource, CampaignID: campaignID, EnqueuedAt: time.Now().UTC()}
}

func ProcessCampaignBatch(campaignID string, batchSize int) Job {
	return Job{ID: uuid.NewString(), Kind: KindProcessCampaignBatch, CampaignID: campaignID, BatchSize: batchSize, EnqueuedAt: time.Now().UTC()}
}

// Enqueuer schedules jobs for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueIn(ctx context.Context, job Job, delay time.Duration) error
}

const (
	readyKey   = "campaign:jobs:ready"
	delayedKey = "campaign:jobs:delayed"
)

// Due jobs move from the delayed set to the ready list in one script so two
// workers promoting at once cannot double a job.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('LPUSH', KEYS[2], payload)
end
return #due
`)

// RedisQueue implements Enqueuer and the worker-side dequeue.
type RedisQueue struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, clock: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job.Kind, err)
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("jobs: enqueue %s for campaign %s: %w", job.Kind, job.CampaignID, err)
	}
	return nil
}

func (q *RedisQueue) EnqueueIn(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job.Kind, err)
	}
	due := float64(q.clock().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("jobs: delay %s for campaign %s: %w", job.Kind, job.CampaignID, err)
	}
	return nil
}

// promoteDue moves up to limit due delayed jobs onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{delayedKey, readyKey},
		q.clock().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("jobs: promote delayed: %w", err)
	}
	return n, nil
}

// dequeue blocks up to timeout for the next ready job. Returns false when
// the list stayed empty.
func (q *RedisQueue) dequeue(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, readyKey).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("jobs: dequeue: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("jobs: bad payload: %w", err)
	}
	return job, true, nil
}

var _ Enqueuer = (*RedisQueue)(nil)

// MemoryEnqueuer records enqueued jobs for tests.
type MemoryEnqueuer struct {
	mu      sync.Mutex
	ready   []Job
	delayed []DelayedJob
}

type DelayedJob struct {
	Job   Job
	Delay time.Duration
}

func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{}
}

func (m *MemoryEnqueuer) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, job)
	return nil
}

func (m *MemoryEnqueuer) EnqueueIn(_ context.Context, job Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed = append(m.delayed, DelayedJob{Job: job, Delay: delay})
	return nil
}

func (m *MemoryEnqueuer) Ready() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.ready))
	copy(out, m.ready)
	return out
}

func (m *MemoryEnqueuer) Delayed() []DelayedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DelayedJob, len(m.delayed))
	copy(out, m.delayed)
	return out
}

var _ Enqueuer = (*MemoryEnqueuer)(nil)
