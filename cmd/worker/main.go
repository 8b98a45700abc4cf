package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"venture-console/internal/agent"
	"venture-console/internal/archive"
	"venture-console/internal/config"
	"venture-console/internal/models"
	"venture-console/internal/nightshift"
	"venture-console/internal/queue"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
	"venture-console/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})

	dispatcher := queue.NewDispatcher(st, q, logger, cfg.IdempotencyTTL, cfg.MaxAttempts)
	runtime := agent.NewLogRuntime(logger)

	runner := nightshift.NewRunner(st, dispatcher, logger, nightshift.Options{
		BatchSize:     cfg.NightShiftBatchSize,
		Parallelism:   cfg.NightShiftParallelism,
		FailureWindow: cfg.NightShiftFailureWindow,
	})

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init archive", zap.Error(err))
	}

	proc := worker.NewProcessor(cfg, q, st, logger, workerID())
	proc.RegisterHandler(models.JobPhaseGeneration, worker.NewPhaseGenerationHandler(runtime).Handle)
	proc.RegisterHandler(models.JobActionExecution, worker.NewActionExecutionHandler(st, runtime).Handle)
	proc.RegisterHandler(models.JobNightShift, worker.NewNightShiftHandler(runner, archiver, logger).Handle)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server", zap.Error(err))
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	logger.Info("worker starting", zap.String("worker_id", workerID()))
	if err := proc.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("worker loop", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func newLogger(env string) *zap.Logger {
	if env == "prod" || env == "production" {
		logger, err := zap.NewProduction()
		if err != nil {
			os.Exit(1)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	return logger
}
