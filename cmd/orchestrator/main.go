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
	"campaign-dispatch/internal/orchestrator"
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

	// Dedicated connection profile for the long-lived subscription.
	subRdb, err := utils.SubscriberRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis subscriber init failed", "err", err)
		os.Exit(1)
	}
	defer subRdb.Close()

	orch := orchestrator.New(
		campaign.NewPostgresStore(db),
		campaign.NewPostgresQueueStore(db),
		jobs.NewRedisQueue(rdb),
		events.NewRedisPublisher(rdb),
		dispatch.NewRedisSlotManager(rdb, cfg.Dispatch.SlotTTL),
		orchestrator.Config{
			BatchSize:         cfg.Dispatch.BatchSize,
			MonitorInterval:   cfg.Orchestrator.MonitorInterval,
			CompletionTimeout: cfg.Orchestrator.CompletionTimeout,
			StuckBatchTimeout: cfg.Orchestrator.StuckBatchTimeout,
		},
	)

	errCh := make(chan error, 2)
	go func() { errCh <- orch.Run(ctx, subRdb) }()
	go func() { errCh <- orch.RunMonitor(ctx) }()

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("orchestrator exited", "err", err)
		os.Exit(1)
	}
	log.Info("orchestrator stopped")
}
