package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/config"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/jobs"
	"campaign-dispatch/internal/source"
	"campaign-dispatch/internal/telephony"
	"campaign-dispatch/pkg/logger"
	"campaign-dispatch/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	ctx := logger.With(rootCtx, log)

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// BRPOP holds connections open; use the blocking-friendly profile.
	queueRdb, err := utils.SubscriberRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis queue client init failed", "err", err)
		os.Exit(1)
	}
	defer queueRdb.Close()

	campaigns := campaign.NewPostgresStore(db)
	queue := campaign.NewPostgresQueueStore(db)
	slots := dispatch.NewRedisSlotManager(rdb, cfg.Dispatch.SlotTTL)
	rate := dispatch.NewRedisRateLimiter(rdb)
	publisher := events.NewRedisPublisher(rdb)

	dispatcher := dispatch.NewDispatcher(campaigns, queue, slots, rate,
		telephony.DevCaller{}, telephony.DevRecorder{}, publisher, dispatch.Options{
			SlotWaitTimeout:  cfg.Dispatch.SlotWaitTimeout,
			TokenWaitTimeout: cfg.Dispatch.TokenWaitTimeout,
		})

	sources := source.NewRegistry()
	sources.Register("static", source.NewStaticSyncer())

	mux := jobs.NewMux()
	mux.Handle(jobs.KindSyncCampaignSource, &jobs.SyncHandler{
		Campaigns: campaigns,
		Queue:     queue,
		Sources:   sources,
		Publisher: publisher,
	})
	mux.Handle(jobs.KindProcessCampaignBatch, &jobs.BatchHandler{
		Dispatcher: dispatcher,
		Campaigns:  campaigns,
		Publisher:  publisher,
		BatchSize:  cfg.Dispatch.BatchSize,
	})

	worker := jobs.NewWorker(jobs.NewRedisQueue(queueRdb), mux, cfg.Dispatch.WorkerConcurrency)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "err", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
