package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesprofit/internal/app"
	jobmetrics "github.com/odyssey-erp/salesprofit/internal/jobs"
	"github.com/odyssey-erp/salesprofit/internal/platform/cache"
	"github.com/odyssey-erp/salesprofit/internal/platform/db"
	"github.com/odyssey-erp/salesprofit/internal/profit"
	"github.com/odyssey-erp/salesprofit/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// recalculations must reach the caches of the API instances
	var publisher profit.Publisher
	if cfg.Profit.BroadcastInvalidation {
		publisher = cache.NewBroadcaster(redisClient, cfg.Profit.InvalidationChannel, logger)
	}
	repo := profit.NewPostgresRepository(pool)
	svc := app.NewProfitServices(cfg.Profit, repo, publisher, nil, logger)

	recalcJob := jobs.NewProfitRecalculationJob(svc.Engine, repo, logger, jobmetrics.NewMetrics(nil))

	var cron []jobs.CronRegistration
	for _, tenantID := range cfg.Profit.NightlyTenants {
		task, err := jobs.NewRecalculateTask(jobs.RecalculatePayload{
			TenantID:     tenantID,
			LookbackDays: cfg.Profit.NightlyLookbackDays,
			Reason:       jobmetrics.ReasonScheduled,
		})
		if err != nil {
			logger.Error("build nightly recalculation task", slog.String("tenant_id", tenantID), slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.Profit.NightlyCron,
			Task:    task,
			Options: []asynq.Option{asynq.Queue(jobs.QueueProfit), asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.Profit.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskProfitRecalculate, Handler: recalcJob.HandleRecalculate},
			{Type: jobs.TaskProductCostChanged, Handler: recalcJob.HandleProductCostChanged},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
