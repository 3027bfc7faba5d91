package orchestrator

import (
	"context"
	"time"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/pkg/logger"
)

// RunMonitor wakes up on the configured interval and runs a monitor pass
// until ctx ends.
func (o *Orchestrator) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()
	logger.From(ctx).Info("monitor started", "interval", o.cfg.MonitorInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.MonitorPass(ctx)
		}
	}
}

// MonitorPass inspects every running campaign once. It reschedules batches
// for campaigns with eligible rows but no recent batch, completes campaigns
// with nothing pending and a long-quiet activity clock, and sweeps expired
// concurrency slots for the organizations it touches.
func (o *Orchestrator) MonitorPass(ctx context.Context) {
	log := logger.From(ctx)
	running, err := o.campaigns.ListByState(ctx, campaign.StateRunning)
	if err != nil {
		log.Error("monitor: list running campaigns", "error", err)
		return
	}
	now := o.clock()

	sweptOrgs := map[string]bool{}
	for _, c := range running {
		clog := logger.ForCampaign(ctx, c.ID)

		if !sweptOrgs[c.OrganizationID] {
			sweptOrgs[c.OrganizationID] = true
			if removed, err := o.slots.SweepExpired(ctx, c.OrganizationID); err != nil {
				clog.Error("monitor: sweep slots", "org_id", c.OrganizationID, "error", err)
			} else if removed > 0 {
				clog.Warn("monitor: reclaimed leaked slots", "org_id", c.OrganizationID, "count", removed)
			}
		}

		depth, err := o.queue.Depth(ctx, c.ID)
		if err != nil {
			clog.Error("monitor: queue depth", "error", err)
			continue
		}

		if depth.Empty() {
			if quietSince(c, now) >= o.cfg.CompletionTimeout {
				clog.Info("monitor: no pending work and no recent activity, completing")
				if err := o.complete(ctx, c.ID); err != nil {
					clog.Error("monitor: complete", "error", err)
				}
			}
			continue
		}

		if depth.EligibleNow > 0 && batchStale(c, now, o.cfg.StuckBatchTimeout) {
			clog.Warn("monitor: eligible rows but no recent batch, rescheduling",
				"eligible", depth.EligibleNow)
			if err := o.scheduleBatch(ctx, c.ID); err != nil {
				clog.Error("monitor: schedule batch", "error", err)
			}
		}
	}
}

// quietSince is how long a campaign has been without activity, falling back
// to its start time when nothing has happened yet.
func quietSince(c campaign.Campaign, now time.Time) time.Duration {
	switch {
	case c.LastActivityAt != nil:
		return now.Sub(*c.LastActivityAt)
	case c.StartedAt != nil:
		return now.Sub(*c.StartedAt)
	default:
		return now.Sub(c.CreatedAt)
	}
}

func batchStale(c campaign.Campaign, now time.Time, timeout time.Duration) bool {
	if c.LastBatchScheduledAt == nil {
		return true
	}
	return now.Sub(*c.LastBatchScheduledAt) >= timeout
}
