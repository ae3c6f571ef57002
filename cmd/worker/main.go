package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-ide/nimbus/internal/app"
	"github.com/nimbus-ide/nimbus/internal/audit"
	"github.com/nimbus-ide/nimbus/internal/isolation"
	jobmetrics "github.com/nimbus-ide/nimbus/internal/jobs"
	"github.com/nimbus-ide/nimbus/internal/observability"
	"github.com/nimbus-ide/nimbus/internal/platform/cache"
	"github.com/nimbus-ide/nimbus/internal/platform/db"
	"github.com/nimbus-ide/nimbus/internal/session"
	"github.com/nimbus-ide/nimbus/jobs"
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

	logger := app.NewLogger(cfg)

	var pool *pgxpool.Pool
	if cfg.SessionStore == "postgres" || cfg.AuditBackend == "postgres" || cfg.AuditBackend == "composite" {
		pool, err = db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
	}

	var redisClient *redis.Client
	if cfg.SessionStore == "redis" {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	store, err := session.New(session.Config{
		Backend:     cfg.SessionStore,
		MaxSessions: cfg.MaxMemorySessions,
	}, redisClient, pool)
	if err != nil {
		logger.Error("init session store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("session store close", slog.Any("error", err))
		}
	}()

	auditor, err := audit.New(audit.Config{
		Backend: cfg.AuditBackend,
		LogDir:  cfg.AuditLogDir,
	}, pool)
	if err != nil {
		logger.Error("init audit logger", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := auditor.Close(); err != nil {
			logger.Warn("audit close", slog.Any("error", err))
		}
	}()

	strategy, err := isolation.New(cfg.IsolationStrategy, cfg.UserDataDir, isolation.ResourceLimits{
		MaxStorageBytes: cfg.MaxStorageBytes,
		MaxSessions:     cfg.MaxSessionsPerUser,
		MaxConnections:  cfg.MaxConnections,
	}, store, logger)
	if err != nil {
		logger.Error("init isolation strategy", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := http.ListenAndServe(cfg.WorkerMetricsAddr, mux); err != nil {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()

	sweepJob := jobs.NewSessionSweepJob(store, cfg.SessionStore, auditor, logger, jobMetrics)
	cleanupJob := jobs.NewIsolationCleanupJob(strategy, cfg.IdleLogMaxAge, logger, jobMetrics)

	sweepTask, err := jobs.NewSessionSweepTask(jobs.SessionSweepPayload{Reason: "cron"})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIsolationCleanupTask(jobs.IsolationCleanupPayload{})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSessionSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskIsolationCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/5 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
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
