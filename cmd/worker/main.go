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
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-console/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-console/internal/jobs"
	"github.com/odyssey-erp/odyssey-console/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-console/internal/platform/db"
	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	enqueue := flag.Bool("refresh-catalog", false, "enqueue one catalog refresh and exit")
	stats := flag.Bool("stats", false, "print queue statistics and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	switch {
	case *enqueue:
		if err := enqueueRefresh(ctx, redisOpts); err != nil {
			logger.Error("enqueue catalog refresh", slog.Any("error", err))
			os.Exit(1)
		}
		return
	case *stats:
		if err := printStats(redisOpts); err != nil {
			logger.Error("queue stats", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2, ApplicationName: "odyssey-console-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	broadcaster := query.NewBroadcaster(redisClient, cfg.BroadcastChannel, logger)
	refreshJob := jobs.NewCatalogRefreshJob(rbac.NewService(pool), redisClient, broadcaster, logger, metrics)

	refreshTask, err := jobs.NewCatalogRefreshTask(jobs.CatalogRefreshPayload{Reason: "schedule"})
	if err != nil {
		logger.Error("build catalog refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if cfg.CatalogRefreshCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CatalogRefreshCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCatalogRefresh, Handler: refreshJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		go serveMetrics(ctx, cfg.WorkerMetricsAddr, logger)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func enqueueRefresh(ctx context.Context, opts asynq.RedisClientOpt) error {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()
	info, err := client.EnqueueCatalogRefresh(ctx, jobs.CatalogRefreshPayload{Reason: "cli", Force: true})
	if err != nil {
		return err
	}
	if info == nil {
		fmt.Println("catalog refresh already queued")
		return nil
	}
	fmt.Printf("enqueued %s on %s\n", info.ID, info.Queue)
	return nil
}

func printStats(opts asynq.RedisClientOpt) error {
	inspector := asynq.NewInspector(opts)
	defer inspector.Close()
	info, err := inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return err
	}
	fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		info.Queue, info.Pending, info.Active, info.Scheduled, info.Retry, info.Archived)
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving worker metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("worker metrics server", slog.Any("error", err))
	}
}
