package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nimbus-ide/nimbus/internal/audit"
	jobmetrics "github.com/nimbus-ide/nimbus/internal/jobs"
	"github.com/nimbus-ide/nimbus/internal/session"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SessionSweepJob removes expired sessions the lazy read path never touched.
// Backends that expire natively report zero removals and the run still counts
// as a success.
type SessionSweepJob struct {
	Store   session.Store
	Backend string
	Auditor audit.Logger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSessionSweepJob wires dependencies for the sweep handler.
func NewSessionSweepJob(store session.Store, backend string, auditor audit.Logger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionSweepJob {
	return &SessionSweepJob{
		Store:   store,
		Backend: backend,
		Auditor: auditor,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes session sweep tasks.
func (j *SessionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("session sweep: handler not configured")
	}
	var payload SessionSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSessionSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	removed, err := j.Store.DeleteExpired(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("session sweep failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddReapedSessions(j.Backend, removed)

	if removed > 0 && j.Auditor != nil {
		event := audit.Event{
			Type:   audit.EventSessionExpired,
			Status: audit.StatusSuccess,
			Metadata: map[string]string{
				"removed": itoa(removed),
				"backend": j.Backend,
			},
		}
		if err := j.Auditor.Log(ctx, event); err != nil {
			j.logger().Warn("session sweep audit", slog.Any("error", err))
		}
	}

	j.logger().Info("session sweep complete",
		slog.Int("removed", removed),
		slog.String("backend", j.Backend),
		slog.Duration("took", j.now().Sub(start)),
	)
	return nil
}

func (j *SessionSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *SessionSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SessionSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
