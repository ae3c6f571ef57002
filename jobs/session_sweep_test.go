package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-ide/nimbus/internal/audit"
	jobmetrics "github.com/nimbus-ide/nimbus/internal/jobs"
	"github.com/nimbus-ide/nimbus/internal/session"
)

type captureAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAuditor) Log(ctx context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureAuditor) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	return nil, nil
}

func (c *captureAuditor) Close() error { return nil }

func seedSession(t *testing.T, store session.Store, ttl time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.NewString(),
		UserID:    "u1",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(ttl),
	}
	require.NoError(t, store.Set(context.Background(), sess.ID, sess, 0))
}

func TestSessionSweepRemovesExpired(t *testing.T) {
	store := session.NewMemoryStore(session.MemoryConfig{MaxSessions: 100, ReapInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 3; i++ {
		seedSession(t, store, -time.Minute)
	}
	seedSession(t, store, time.Hour)

	auditor := &captureAuditor{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewSessionSweepJob(store, "memory", auditor, nil, metrics)

	task, err := NewSessionSweepTask(SessionSweepPayload{Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventSessionExpired, auditor.events[0].Type)
	assert.Equal(t, "3", auditor.events[0].Metadata["removed"])
}

func TestSessionSweepNothingToDo(t *testing.T) {
	store := session.NewMemoryStore(session.MemoryConfig{MaxSessions: 100, ReapInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })
	seedSession(t, store, time.Hour)

	auditor := &captureAuditor{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewSessionSweepJob(store, "memory", auditor, nil, metrics)

	task, err := NewSessionSweepTask(SessionSweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	// No removals means no audit noise.
	assert.Empty(t, auditor.events)
}

func TestSessionSweepRejectsMalformedPayload(t *testing.T) {
	store := session.NewMemoryStore(session.MemoryConfig{MaxSessions: 100, ReapInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewSessionSweepJob(store, "memory", nil, nil, metrics)

	badTask := asynq.NewTask(TaskSessionSweep, []byte("{not json"))
	err := job.Handle(context.Background(), badTask)
	require.Error(t, err)
}
