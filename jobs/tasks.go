package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionSweep removes expired sessions from the store.
	TaskSessionSweep = "session:sweep"
	// TaskIsolationCleanup prunes stale artifacts from user environments.
	TaskIsolationCleanup = "isolation:cleanup"
)

// SessionSweepPayload scopes a sweep run.
type SessionSweepPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewSessionSweepTask constructs an Asynq task for the session sweep.
func NewSessionSweepTask(payload SessionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionSweep, data), nil
}

// IsolationCleanupPayload scopes an environment cleanup run. A zero MaxAgeHours
// falls back to the handler's configured default.
type IsolationCleanupPayload struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// NewIsolationCleanupTask constructs an Asynq task for environment cleanup.
func NewIsolationCleanupTask(payload IsolationCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIsolationCleanup, data), nil
}
