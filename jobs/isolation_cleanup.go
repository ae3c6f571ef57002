package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nimbus-ide/nimbus/internal/isolation"
	jobmetrics "github.com/nimbus-ide/nimbus/internal/jobs"
)

// IsolationCleanupJob prunes old log artifacts from every user environment so
// per-user storage stays inside quota without manual intervention.
type IsolationCleanupJob struct {
	Strategy isolation.Strategy
	MaxAge   time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewIsolationCleanupJob wires dependencies for the cleanup handler.
func NewIsolationCleanupJob(strategy isolation.Strategy, maxAge time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IsolationCleanupJob {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &IsolationCleanupJob{
		Strategy: strategy,
		MaxAge:   maxAge,
		Logger:   logger,
		Metrics:  metrics,
	}
}

// Handle processes environment cleanup tasks.
func (j *IsolationCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Strategy == nil {
		return errors.New("isolation cleanup: handler not configured")
	}
	var payload IsolationCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	maxAge := j.MaxAge
	if payload.MaxAgeHours > 0 {
		maxAge = time.Duration(payload.MaxAgeHours) * time.Hour
	}

	tracker := j.metrics().Track(TaskIsolationCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Strategy.CleanupIdle(ctx, maxAge)
	if err != nil {
		resultErr = err
		j.logger().Error("isolation cleanup failed", slog.Any("error", err))
		return err
	}

	j.logger().Info("isolation cleanup complete",
		slog.Int("removed", removed),
		slog.Duration("max_age", maxAge),
	)
	return nil
}

func (j *IsolationCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *IsolationCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
