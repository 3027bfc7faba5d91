package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/config"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/events"
	"campaign-dispatch/internal/httpapi"
	"campaign-dispatch/internal/jobs"
	"campaign-dispatch/internal/orchestrator"
	"campaign-dispatch/internal/telephony"
	"campaign-dispatch/pkg/logger"
	"campaign-dispatch/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	campaigns := campaign.NewPostgresStore(db)
	queue := campaign.NewPostgresQueueStore(db)
	slots := dispatch.NewRedisSlotManager(rdb, cfg.Dispatch.SlotTTL)
	rate := dispatch.NewRedisRateLimiter(rdb)
	publisher := events.NewRedisPublisher(rdb)
	enqueuer := jobs.NewRedisQueue(rdb)

	// The API's dispatcher only serves the status webhook; call placement
	// happens in the worker process.
	dispatcher := dispatch.NewDispatcher(campaigns, queue, slots, rate,
		telephony.DevCaller{}, telephony.DevRecorder{}, publisher, dispatch.Options{
			SlotWaitTimeout:  cfg.Dispatch.SlotWaitTimeout,
			TokenWaitTimeout: cfg.Dispatch.TokenWaitTimeout,
		})

	lifecycle := orchestrator.New(campaigns, queue, enqueuer, publisher, slots, orchestrator.Config{
		BatchSize:         cfg.Dispatch.BatchSize,
		MonitorInterval:   cfg.Orchestrator.MonitorInterval,
		CompletionTimeout: cfg.Orchestrator.CompletionTimeout,
		StuckBatchTimeout: cfg.Orchestrator.StuckBatchTimeout,
	})

	h := httpapi.Handlers{
		Auth:       authManager,
		Campaigns:  campaigns,
		Queue:      queue,
		Lifecycle:  lifecycle,
		Dispatcher: dispatcher,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
