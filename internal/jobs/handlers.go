package jobs

import (
	"context"
	"errors"
	"fmt"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/source"
	"campaign-dispatch/pkg/logger"
)

// BatchProcessor is the slice of the dispatcher the batch handler needs.
// ProcessBatch reports dispatched and permanently failed rows separately.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, campaignID string, batchSize int) (int, int, error)
}

// SyncHandler pulls a campaign's source rows into the queue. On success it
// publishes sync_completed; on failure the campaign is moved to failed so it
// never sits in syncing forever.
type SyncHandler struct {
	Campaigns campaign.Store
	Queue     campaign.QueueStore
	Sources   *source.Registry
	Publisher events.Publisher
}

func (h *SyncHandler) Handle(ctx context.Context, job Job) error {
	log := logger.ForCampaign(ctx, job.CampaignID)

	c, err := h.Campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if c.State != campaign.StateSyncing {
		log.Info("skipping sync, campaign not in syncing state", "state", c.State)
		return nil
	}

	rows, err := h.syncRows(ctx, c)
	if err != nil {
		log.Error("source sync failed", "source_type", c.SourceType, "error", err)
		if _, trErr := h.Campaigns.Transition(ctx, c.ID, campaign.StateFailed, func(c *campaign.Campaign) {
			c.LastError = err.Error()
		}); trErr != nil {
			log.Error("failed to mark campaign failed after sync error", "error", trErr)
		}
		return err
	}

	synced, err := h.Campaigns.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	log.Info("source synced", "inserted", rows, "total_rows", synced.TotalRows)
	return h.Publisher.Publish(ctx, events.SyncCompleted(c.ID, synced.TotalRows))
}

func (h *SyncHandler) syncRows(ctx context.Context, c campaign.Campaign) (int, error) {
	syncer, err := h.Sources.For(c.SourceType)
	if err != nil {
		return 0, err
	}
	rows, err := syncer.FetchRows(ctx, c.SourceID)
	if err != nil {
		return 0, fmt.Errorf("fetch rows from %s source %s: %w", c.SourceType, c.SourceID, err)
	}
	newRuns := make([]campaign.NewRun, 0, len(rows))
	for _, row := range rows {
		newRuns = append(newRuns, campaign.NewRun{
			SourceUUID:       row.SourceUUID,
			ContextVariables: row.ContextVariables,
		})
	}
	return h.Queue.CreateRuns(ctx, c.ID, newRuns)
}

// BatchHandler runs one dispatch batch and reports the outcome as an event.
// Admission timeouts count as a completed (shorter) batch: the orchestrator
// will schedule the next one and the released rows get another chance.
type BatchHandler struct {
	Dispatcher BatchProcessor
	Campaigns  campaign.Store
	Publisher  events.Publisher
	BatchSize  int
}

func (h *BatchHandler) Handle(ctx context.Context, job Job) error {
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = h.BatchSize
	}

	dispatched, failed, err := h.Dispatcher.ProcessBatch(ctx, job.CampaignID, batchSize)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrAdmissionTimeout):
		logger.ForCampaign(ctx, job.CampaignID).Warn("batch cut short by admission timeout",
			"dispatched", dispatched, "error", err)
	default:
		if pubErr := h.Publisher.Publish(ctx, events.BatchFailed(job.CampaignID, err.Error())); pubErr != nil {
			logger.ForCampaign(ctx, job.CampaignID).Error("publish batch_failed", "error", pubErr)
		}
		return err
	}

	if touchErr := h.Campaigns.TouchActivity(ctx, job.CampaignID, false); touchErr != nil && !errors.Is(touchErr, campaign.ErrNotFound) {
		logger.ForCampaign(ctx, job.CampaignID).Error("touch activity", "error", touchErr)
	}
	return h.Publisher.Publish(ctx, events.BatchCompleted(job.CampaignID, dispatched, failed, batchSize))
}

var _ Handler = (*SyncHandler)(nil)
var _ Handler = (*BatchHandler)(nil)
