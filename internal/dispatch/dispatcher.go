package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/telephony"
	"campaign-dispatch/pkg/logger"
)

// Options bound the admission waits per batch row.
type Options struct {
	// SlotWaitTimeout is how long a row waits for a concurrency slot
	// before the rest of the batch is released back to the queue.
	SlotWaitTimeout time.Duration
	// TokenWaitTimeout is the equivalent budget for a rate token.
	TokenWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SlotWaitTimeout <= 0 {
		o.SlotWaitTimeout = 30 * time.Second
	}
	if o.TokenWaitTimeout <= 0 {
		o.TokenWaitTimeout = 10 * time.Second
	}
	return o
}

// Dispatcher claims queued rows, admits them against the organization's
// concurrency ceiling and the campaign's rate limit, places the calls, and
// later reconciles terminal call statuses.
type Dispatcher struct {
	campaigns campaign.Store
	queue     campaign.QueueStore
	slots     SlotManager
	rate      RateLimiter
	caller    telephony.Caller
	recorder  telephony.Recorder
	publisher events.Publisher
	opts      Options

	// sleep is swapped out in tests so admission waits do not stall them.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	campaigns campaign.Store,
	queue campaign.QueueStore,
	slots SlotManager,
	rate RateLimiter,
	caller telephony.Caller,
	recorder telephony.Recorder,
	publisher events.Publisher,
	opts Options,
) *Dispatcher {
	return &Dispatcher{
		campaigns: campaigns,
		queue:     queue,
		slots:     slots,
		rate:      rate,
		caller:    caller,
		recorder:  recorder,
		publisher: publisher,
		opts:      opts.withDefaults(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessBatch claims up to batchSize eligible rows for the campaign and
// dispatches them one by one. It returns how many rows were dispatched and
// how many failed permanently. A per-row placement failure fails that row
// only; an admission timeout releases the unplaced rows back to the queue
// and returns an error wrapping ErrAdmissionTimeout.
func (d *Dispatcher) ProcessBatch(ctx context.Context, campaignID string, batchSize int) (int, int, error) {
	log := logger.ForCampaign(ctx, campaignID)

	c, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, 0, err
	}
	if c.State != campaign.StateRunning {
		log.Info("skipping batch, campaign not running", "state", c.State)
		return 0, 0, nil
	}

	runs, err := d.queue.ClaimBatch(ctx, campaignID, batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(runs) == 0 {
		return 0, 0, nil
	}
	log.Info("claimed batch", "rows", len(runs))

	dispatched, failed := 0, 0
	for i, run := range runs {
		err := d.dispatchRow(ctx, c, run)
		if err == nil {
			dispatched++
			continue
		}
		if errors.Is(err, ErrAdmissionTimeout) {
			// Transient back-pressure. Unplaced rows return to the
			// queue with no retry cost.
			d.releaseClaims(ctx, runs[i:])
			log.Warn("admission timed out, released remaining rows",
				"placed", dispatched, "released", len(runs)-i, "error", err)
			return dispatched, failed, err
		}
		// Row-level failure: fail this row, keep going.
		log.Warn("dispatch failed for row", "run_id", run.ID, "error", err)
		if markErr := d.queue.MarkFailedPermanently(ctx, run.ID); markErr != nil {
			log.Error("failed to mark row failed", "run_id", run.ID, "error", markErr)
		}
		failed++
	}
	return dispatched, failed, nil
}

func (d *Dispatcher) dispatchRow(ctx context.Context, c campaign.Campaign, run campaign.QueuedRun) error {
	if err := d.awaitToken(ctx, c); err != nil {
		return err
	}
	slotID, err := d.awaitSlot(ctx, c)
	if err != nil {
		return err
	}

	handle, err := d.caller.PlaceCall(ctx, run, c, slotID)
	if err != nil {
		if relErr := d.slots.Release(ctx, c.OrganizationID, slotID); relErr != nil {
			logger.ForCampaign(ctx, c.ID).Error("slot release after failed placement",
				"slot_id", slotID, "error", relErr)
		}
		return fmt.Errorf("place call for run %s: %w", run.ID, err)
	}

	mapping := SlotMapping{
		OrganizationID: c.OrganizationID,
		SlotID:         slotID,
		CampaignID:     c.ID,
		RunID:          run.ID,
	}
	if err := d.slots.StoreMapping(ctx, handle.CallID, mapping); err != nil {
		// The call is already in flight. The slot TTL reclaims the
		// capacity if the callback cannot find the mapping.
		logger.ForCampaign(ctx, c.ID).Error("store call mapping",
			"call_id", handle.CallID, "error", err)
	}
	return d.queue.MarkProcessed(ctx, run.ID)
}

// awaitToken polls the token bucket with a short fixed interval until a
// token is granted or the budget runs out.
func (d *Dispatcher) awaitToken(ctx context.Context, c campaign.Campaign) error {
	if c.RateLimitPerSecond <= 0 {
		return nil
	}
	deadline := time.Now().Add(d.opts.TokenWaitTimeout)
	for {
		ok, err := d.rate.Allow(ctx, c.ID, c.RateLimitPerSecond)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &RateTokenTimeoutError{CampaignID: c.ID, Waited: d.opts.TokenWaitTimeout}
		}
		if err := d.sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// DefaultMaxConcurrency applies to campaigns created without an explicit
// concurrency ceiling.
const DefaultMaxConcurrency = 10

// awaitSlot retries slot acquisition with backoff capped at one second.
func (d *Dispatcher) awaitSlot(ctx context.Context, c campaign.Campaign) (string, error) {
	limit := c.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	deadline := time.Now().Add(d.opts.SlotWaitTimeout)
	wait := 100 * time.Millisecond
	for {
		slotID, ok, err := d.slots.TryAcquire(ctx, c.OrganizationID, limit)
		if err != nil {
			return "", err
		}
		if ok {
			return slotID, nil
		}
		if time.Now().After(deadline) {
			return "", &SlotAcquisitionTimeoutError{
				OrganizationID: c.OrganizationID,
				CampaignID:     c.ID,
				Waited:         d.opts.SlotWaitTimeout,
			}
		}
		if err := d.sleep(ctx, wait); err != nil {
			return "", err
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}

func (d *Dispatcher) releaseClaims(ctx context.Context, runs []campaign.QueuedRun) {
	for _, run := range runs {
		if err := d.queue.ReleaseClaim(ctx, run.ID); err != nil {
			logger.From(ctx).Error("release claim", "run_id", run.ID, "error", err)
		}
	}
}

// OnCallTerminalStatus handles a provider status callback. The slot the
// call held is released first; then the run is finished, retried, or failed
// according to the campaign's retry policy. An unknown call id is a no-op,
// which makes duplicate deliveries safe.
func (d *Dispatcher) OnCallTerminalStatus(ctx context.Context, callID string, status telephony.TerminalStatus, durationSeconds int) error {
	mapping, ok, err := d.slots.GetMapping(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		logger.From(ctx).Info("no slot mapping for call, ignoring", "call_id", callID, "status", status)
		return nil
	}

	log := logger.ForCampaign(ctx, mapping.CampaignID)
	if err := d.slots.Release(ctx, mapping.OrganizationID, mapping.SlotID); err != nil {
		log.Error("release slot on terminal status", "call_id", callID, "error", err)
	}
	if err := d.slots.DeleteMapping(ctx, callID, mapping.CampaignID); err != nil {
		log.Error("delete call mapping", "call_id", callID, "error", err)
	}

	if status.Success() {
		if err := d.queue.MarkProcessed(ctx, mapping.RunID); err != nil {
			return err
		}
		d.publish(ctx, events.CallCompleted(mapping.CampaignID, mapping.RunID, callID, durationSeconds))
		return nil
	}

	reason := status.FailureReason()
	if status.Retryable() {
		c, err := d.campaigns.Get(ctx, mapping.CampaignID)
		if err != nil {
			return err
		}
		run, err := d.queue.GetRun(ctx, mapping.RunID)
		if err != nil {
			return err
		}
		if decision := campaign.ShouldRetry(c.RetryConfig, run.RetryCount, reason); decision.Retry {
			if err := d.queue.MarkRetry(ctx, run.ID, decision.Delay, reason); err != nil {
				return err
			}
			log.Info("call will be retried", "run_id", run.ID, "reason", reason,
				"attempt", run.RetryCount+1, "delay", decision.Delay)
			d.publish(ctx, events.RetryNeeded(mapping.CampaignID, run.ID, string(reason), decision.Delay))
			return nil
		}
	}

	if err := d.queue.MarkFailedPermanently(ctx, mapping.RunID); err != nil {
		return err
	}
	log.Info("call failed permanently", "run_id", mapping.RunID, "status", status)
	if d.recorder != nil {
		if err := d.recorder.RecordOutcome(ctx, callID, status, status.FailureTags()); err != nil {
			log.Error("record call outcome", "call_id", callID, "error", err)
		}
	}
	// The call is finished either way; without this the orchestrator would
	// not notice a campaign whose last in-flight call failed.
	d.publish(ctx, events.CallCompleted(mapping.CampaignID, mapping.RunID, callID, durationSeconds))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, e events.Event) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, e); err != nil {
		logger.From(ctx).Error("publish event", "type", e.Type, "campaign_id", e.CampaignID, "error", err)
	}
}
