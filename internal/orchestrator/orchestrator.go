// Package orchestrator drives campaigns through their lifecycle. It reacts
// to campaign events (sync done, batch done, retries needed) by advancing
// the state machine and scheduling the next unit of work, and runs a
// periodic monitor that unsticks campaigns the event flow missed.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/jobs"
	"campaign-dispatch/pkg/logger"
)

// Config bounds the orchestrator's scheduling behavior.
type Config struct {
	// BatchSize is the per-batch row claim passed to the workers.
	BatchSize int
	// MonitorInterval is how often the background monitor wakes up.
	MonitorInterval time.Duration
	// CompletionTimeout completes a running campaign with no pending rows
	// and no activity for this long (covers calls whose terminal status
	// never arrived).
	CompletionTimeout time.Duration
	// StuckBatchTimeout reschedules a batch when rows are eligible but no
	// batch has been scheduled for this long.
	StuckBatchTimeout time.Duration
	// RetryRecheckPad is added to a retry delay before the follow-up batch
	// runs, so the row is already eligible when the batch claims.
	RetryRecheckPad time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Minute
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = time.Hour
	}
	if c.StuckBatchTimeout <= 0 {
		c.StuckBatchTimeout = 5 * time.Minute
	}
	if c.RetryRecheckPad <= 0 {
		c.RetryRecheckPad = 5 * time.Second
	}
	return c
}

// Orchestrator owns campaign lifecycle decisions. All state lives in the
// stores; the only in-memory state is a dedupe of scheduled retry rechecks,
// safe to lose on restart.
type Orchestrator struct {
	campaigns campaign.Store
	queue     campaign.QueueStore
	enqueuer  jobs.Enqueuer
	publisher events.Publisher
	slots     dispatch.SlotManager
	cfg       Config

	mu            sync.Mutex
	retryRechecks map[string]time.Time
	clock         func() time.Time
}

func New(
	campaigns campaign.Store,
	queue campaign.QueueStore,
	enqueuer jobs.Enqueuer,
	publisher events.Publisher,
	slots dispatch.SlotManager,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		campaigns:     campaigns,
		queue:         queue,
		enqueuer:      enqueuer,
		publisher:     publisher,
		slots:         slots,
		cfg:           cfg.withDefaults(),
		retryRechecks: make(map[string]time.Time),
		clock:         time.Now,
	}
}

/* ----- lifecycle commands ----- */

// Start moves a draft campaign into syncing and schedules the source sync.
func (o *Orchestrator) Start(ctx context.Context, campaignID string) (campaign.Campaign, error) {
	now := o.clock().UTC()
	c, err := o.campaigns.Transition(ctx, campaignID, campaign.StateSyncing, func(c *campaign.Campaign) {
		c.StartedAt = &now
	})
	if err != nil {
		return campaign.Campaign{}, err
	}
	if err := o.enqueuer.Enqueue(ctx, jobs.SyncCampaignSource(campaignID)); err != nil {
		return campaign.Campaign{}, err
	}
	logger.ForCampaign(ctx, campaignID).Info("campaign started, sync scheduled")
	return c, nil
}

// Pause holds a running campaign. Claimed rows finish; no new batch runs.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) (campaign.Campaign, error) {
	return o.campaigns.Transition(ctx, campaignID, campaign.StatePaused, nil)
}

// Resume puts a paused campaign back to running and schedules a batch.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string) (campaign.Campaign, error) {
	c, err := o.campaigns.Transition(ctx, campaignID, campaign.StateRunning, nil)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if err := o.scheduleBatch(ctx, campaignID); err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

/* ----- event handling ----- */

// HandleEvent applies one campaign event. Handlers are idempotent: replayed
// or stale events fall through the state checks and become no-ops.
func (o *Orchestrator) HandleEvent(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeSyncCompleted:
		return o.onSyncCompleted(ctx, e)
	case events.TypeBatchCompleted:
		return o.onBatchCompleted(ctx, e)
	case events.TypeBatchFailed:
		return o.onBatchFailed(ctx, e)
	case events.TypeRetryNeeded:
		return o.onRetryNeeded(ctx, e)
	case events.TypeCallCompleted:
		return o.onCallCompleted(ctx, e)
	default:
		logger.From(ctx).Info("ignoring event", "type", e.Type, "campaign_id", e.CampaignID)
		return nil
	}
}

func (o *Orchestrator) onSyncCompleted(ctx context.Context, e events.Event) error {
	log := logger.ForCampaign(ctx, e.CampaignID)
	if e.TotalRows == 0 {
		log.Info("source is empty, completing campaign")
		return o.complete(ctx, e.CampaignID)
	}
	if _, err := o.campaigns.Transition(ctx, e.CampaignID, campaign.StateRunning, nil); err != nil {
		if errors.Is(err, campaign.ErrInvalidTransition) {
			log.Info("sync_completed for campaign no longer syncing, ignoring")
			return nil
		}
		return err
	}
	log.Info("campaign running", "total_rows", e.TotalRows)
	return o.scheduleBatch(ctx, e.CampaignID)
}

func (o *Orchestrator) onBatchCompleted(ctx context.Context, e events.Event) error {
	c, err := o.campaigns.Get(ctx, e.CampaignID)
	if err != nil {
		return err
	}
	if c.State != campaign.StateRunning {
		return nil
	}
	depth, err := o.queue.Depth(ctx, e.CampaignID)
	if err != nil {
		return err
	}
	switch {
	case depth.Empty():
		return o.completeIfIdle(ctx, e.CampaignID)
	case depth.EligibleNow > 0:
		return o.scheduleBatch(ctx, e.CampaignID)
	default:
		// Everything left is awaiting retry or still processing; come
		// back after the shortest plausible retry delay.
		return o.scheduleBatchIn(ctx, e.CampaignID, o.cfg.RetryRecheckPad+c.RetryConfig.Delay())
	}
}

func (o *Orchestrator) onBatchFailed(ctx context.Context, e events.Event) error {
	log := logger.ForCampaign(ctx, e.CampaignID)
	o.forgetRecheck(e.CampaignID)
	_, err := o.campaigns.Transition(ctx, e.CampaignID, campaign.StateFailed, func(c *campaign.Campaign) {
		c.LastError = e.Error
	})
	if errors.Is(err, campaign.ErrInvalidTransition) {
		log.Info("batch_failed for campaign already terminal, ignoring")
		return nil
	}
	if err != nil {
		return err
	}
	log.Error("campaign failed", "error", e.Error)
	return nil
}

// onRetryNeeded schedules a delayed batch so the retried row is picked up
// once eligible. Rechecks within the same window are deduplicated.
func (o *Orchestrator) onRetryNeeded(ctx context.Context, e events.Event) error {
	delay := time.Duration(e.DelaySeconds)*time.Second + o.cfg.RetryRecheckPad

	o.mu.Lock()
	due := o.clock().Add(delay)
	if prior, ok := o.retryRechecks[e.CampaignID]; ok && prior.After(o.clock()) && !prior.After(due) {
		o.mu.Unlock()
		return nil
	}
	o.retryRechecks[e.CampaignID] = due
	o.mu.Unlock()

	logger.ForCampaign(ctx, e.CampaignID).Info("retry recheck scheduled",
		"run_id", e.RunID, "reason", e.Reason, "delay", delay)
	return o.enqueuer.EnqueueIn(ctx, jobs.ProcessCampaignBatch(e.CampaignID, o.cfg.BatchSize), delay)
}

func (o *Orchestrator) onCallCompleted(ctx context.Context, e events.Event) error {
	if err := o.campaigns.TouchActivity(ctx, e.CampaignID, false); err != nil && !errors.Is(err, campaign.ErrNotFound) {
		return err
	}
	c, err := o.campaigns.Get(ctx, e.CampaignID)
	if err != nil {
		return err
	}
	if c.State != campaign.StateRunning {
		return nil
	}
	depth, err := o.queue.Depth(ctx, e.CampaignID)
	if err != nil {
		return err
	}
	if depth.Empty() {
		return o.completeIfIdle(ctx, e.CampaignID)
	}
	return nil
}

/* ----- helpers ----- */

// forgetRecheck drops the retry-recheck dedupe entry for a campaign that
// went terminal, so the map does not grow for the process lifetime.
func (o *Orchestrator) forgetRecheck(campaignID string) {
	o.mu.Lock()
	delete(o.retryRechecks, campaignID)
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleBatch(ctx context.Context, campaignID string) error {
	if err := o.enqueuer.Enqueue(ctx, jobs.ProcessCampaignBatch(campaignID, o.cfg.BatchSize)); err != nil {
		return err
	}
	return o.campaigns.TouchActivity(ctx, campaignID, true)
}

func (o *Orchestrator) scheduleBatchIn(ctx context.Context, campaignID string, delay time.Duration) error {
	if err := o.enqueuer.EnqueueIn(ctx, jobs.ProcessCampaignBatch(campaignID, o.cfg.BatchSize), delay); err != nil {
		return err
	}
	return o.campaigns.TouchActivity(ctx, campaignID, true)
}

// completeIfIdle completes the campaign only when no placed calls are still
// awaiting their terminal status. Rows are marked processed at dispatch, so
// an empty queue alone does not mean the campaign is done: an in-flight call
// can still come back busy and re-queue its row for retry. The last terminal
// status (or the monitor, if callbacks are lost) finishes the campaign.
func (o *Orchestrator) completeIfIdle(ctx context.Context, campaignID string) error {
	inFlight, err := o.slots.InFlight(ctx, campaignID)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		logger.ForCampaign(ctx, campaignID).Info("queue drained but calls still in flight",
			"in_flight", inFlight)
		return nil
	}
	return o.complete(ctx, campaignID)
}

// complete is idempotent: completing a campaign that already reached a
// terminal state is a no-op. The campaign's retry-recheck dedupe entry is
// dropped either way.
func (o *Orchestrator) complete(ctx context.Context, campaignID string) error {
	o.forgetRecheck(campaignID)
	now := o.clock().UTC()
	c, err := o.campaigns.Transition(ctx, campaignID, campaign.StateCompleted, func(c *campaign.Campaign) {
		c.CompletedAt = &now
	})
	if errors.Is(err, campaign.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.ForCampaign(ctx, campaignID).Info("campaign completed",
		"total", c.TotalRows, "processed", c.ProcessedRows, "failed", c.FailedRows)
	return o.publisher.Publish(ctx, events.CampaignCompleted(c.ID, c.TotalRows, c.ProcessedRows, c.FailedRows))
}

/* ----- event loop ----- */

// Run subscribes to the event channel and applies events until ctx ends.
// The client should come from utils.SubscriberRedis so the blocking reads
// do not time out.
func (o *Orchestrator) Run(ctx context.Context, client *redis.Client) error {
	log := logger.From(ctx)
	sub := client.Subscribe(ctx, events.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Info("orchestrator subscribed", "channel", events.Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("orchestrator: subscription closed")
			}
			e, err := events.Parse([]byte(msg.Payload))
			if err != nil {
				log.Warn("dropping malformed event", "error", err)
				continue
			}
			if err := o.HandleEvent(ctx, e); err != nil {
				log.Error("event handling failed", "type", e.Type,
					"campaign_id", e.CampaignID, "error", err)
			}
		}
	}
}
