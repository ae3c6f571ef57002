package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-ide/nimbus/internal/app"
	"github.com/nimbus-ide/nimbus/internal/audit"
	"github.com/nimbus-ide/nimbus/internal/auth"
	"github.com/nimbus-ide/nimbus/internal/isolation"
	"github.com/nimbus-ide/nimbus/internal/observability"
	"github.com/nimbus-ide/nimbus/internal/password"
	"github.com/nimbus-ide/nimbus/internal/platform/cache"
	"github.com/nimbus-ide/nimbus/internal/platform/db"
	"github.com/nimbus-ide/nimbus/internal/session"
	"github.com/nimbus-ide/nimbus/internal/users"
	"github.com/nimbus-ide/nimbus/jobs"
)

func needsPostgres(cfg *app.Config) bool {
	return cfg.SessionStore == "postgres" || cfg.UserStore == "postgres" ||
		cfg.AuditBackend == "postgres" || cfg.AuditBackend == "composite"
}

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

	var pool *pgxpool.Pool
	if needsPostgres(cfg) {
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

	repo, err := users.New(cfg.UserStore, pool)
	if err != nil {
		logger.Error("init user repository", slog.Any("error", err))
		os.Exit(1)
	}

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

	hashPool := password.NewPool(logger, password.WithTimeout(cfg.HashTimeout))
	defer hashPool.Close()

	strategy, err := isolation.New(cfg.IsolationStrategy, cfg.UserDataDir, isolation.ResourceLimits{
		MaxStorageBytes: cfg.MaxStorageBytes,
		MaxSessions:     cfg.MaxSessionsPerUser,
		MaxConnections:  cfg.MaxConnections,
	}, store, logger)
	if err != nil {
		logger.Error("init isolation strategy", slog.Any("error", err))
		os.Exit(1)
	}

	service := auth.NewService(auth.Config{
		SessionTTL:            cfg.SessionTTL,
		MaxSessionsPerUser:    cfg.MaxSessionsPerUser,
		PasswordMinLength:     cfg.PasswordMinLength,
		RequireStrongPassword: cfg.RequireStrongPassword,
	}, repo, store, auditor, hashPool, strategy, logger)

	if err := service.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminUser, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
		logger.Error("bootstrap admin", slog.Any("error", err))
		os.Exit(1)
	}

	authHandler := auth.NewHandler(logger, service, repo, auditor)
	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthHandler: authHandler,
		JobHandler:  jobHandler,
		Metrics:     metrics,
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
	}
}
