package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/salesprofit/cmd/salesprofit/cli"
	"github.com/odyssey-erp/salesprofit/internal/app"
	"github.com/odyssey-erp/salesprofit/internal/observability"
	"github.com/odyssey-erp/salesprofit/internal/platform/cache"
	"github.com/odyssey-erp/salesprofit/internal/platform/db"
	"github.com/odyssey-erp/salesprofit/internal/profit"
	profithttp "github.com/odyssey-erp/salesprofit/internal/profit/http"
	"github.com/odyssey-erp/salesprofit/jobs"
)

const usage = `usage: salesprofit [serve | report | jobs] [flags]

  serve    run the HTTP API (default)
  report   print a period profit report
  jobs     enqueue or inspect recalculation jobs
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = serve(ctx, stop, cfg, logger)
	case "report":
		code = runReport(ctx, cfg, logger, args)
	case "jobs":
		code = runJobs(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	var publisher profit.Publisher
	var broadcaster *cache.Broadcaster
	if cfg.Profit.BroadcastInvalidation {
		broadcaster = cache.NewBroadcaster(redisClient, cfg.Profit.InvalidationChannel, logger)
		publisher = broadcaster
	}
	svc := app.NewProfitServices(cfg.Profit, profit.NewPostgresRepository(pool), publisher, metrics.Registerer(), logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	if cfg.Profit.AsyncProductRefresh {
		jobClient, err := jobs.NewClient(redisOpts, logger)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			return 1
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		svc.Dispatcher.SetProductCostNotifier(jobClient)
	}

	if broadcaster != nil {
		go func() {
			logger.Info("listening for cache invalidations",
				slog.String("channel", cfg.Profit.InvalidationChannel),
				slog.String("instance", broadcaster.Instance()))
			if err := svc.Dispatcher.Listen(ctx, broadcaster); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("invalidation listener stopped", slog.Any("error", err))
			}
		}()
	}
	go svc.Cache.RunSweeper(ctx, cfg.Profit.SweepInterval)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		_ = inspector.Close()
	}()

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		ProfitHandler: profithttp.NewHandler(profithttp.Params{
			Logger:      logger,
			Engine:      svc.Engine,
			Aggregator:  svc.Aggregator,
			Tracker:     svc.Tracker,
			Dispatcher:  svc.Dispatcher,
			Monitor:     svc.Monitor,
			ReportLimit: cfg.Profit.ReportRateLimit,
		}),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func runReport(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	opts := cli.ReportOptions{}
	fs.StringVar(&opts.TenantID, "tenant", "", "tenant id")
	fs.StringVar(&opts.From, "from", "", "first day, YYYY-MM-DD")
	fs.StringVar(&opts.To, "to", "", "last day (inclusive), YYYY-MM-DD")
	fs.StringVar(&opts.Period, "period", "monthly", "trend granularity: daily, weekly or monthly")
	fs.StringVar(&opts.ProductID, "product", "", "only orders of this product")
	fs.StringVar(&opts.UserID, "user", "", "only orders of this user")
	fs.StringVar(&opts.Status, "status", "", "only orders in this status")
	fs.StringVar(&opts.Locale, "locale", "en-US", "number formatting locale")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}

	pool, err := db.New(ctx, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return cli.ExitFailure
	}
	defer pool.Close()

	svc := app.NewProfitServices(cfg.Profit, profit.NewPostgresRepository(pool), nil, nil, logger)
	reportCLI, err := cli.NewReportCLI(svc.Aggregator)
	if err != nil {
		logger.Error("init report cli", slog.Any("error", err))
		return cli.ExitFailure
	}
	return reportCLI.RunCommand(ctx, opts)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: salesprofit jobs [trigger | stats] [flags]")
		return cli.ExitFailure
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return cli.ExitFailure
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	switch args[0] {
	case "trigger", "recalculate", "product-cost":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		opts := cli.TriggerOptions{Job: args[0]}
		var orders string
		fs.StringVar(&opts.Job, "job", opts.Job, "recalculate or product-cost")
		fs.StringVar(&opts.TenantID, "tenant", "", "tenant id")
		fs.StringVar(&opts.ProductID, "product", "", "product id for product-cost")
		fs.StringVar(&orders, "orders", "", "comma separated order ids")
		fs.IntVar(&opts.LookbackDays, "days", 0, "recalculate orders created in the last N days")
		if err := fs.Parse(args[1:]); err != nil {
			return cli.ExitFailure
		}
		if orders != "" {
			opts.OrderIDs = strings.Split(orders, ",")
		}
		return jobsCLI.TriggerCommand(ctx, opts)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return cli.ExitFailure
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return cli.ExitOK
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return cli.ExitFailure
	}
}
