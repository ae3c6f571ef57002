package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewFileLogger(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, dir
}

func TestLogAppendsJSONLines(t *testing.T) {
	logger, dir := newFileLogger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, UserID: "u1", Status: StatusSuccess, Timestamp: now}))
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogout, UserID: "u1", Status: StatusSuccess, Timestamp: now}))

	path := dayFile(dir, now.Format(dayFormat))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestLogRotatesByDay(t *testing.T) {
	logger, dir := newFileLogger(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	today := time.Now().UTC()
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, Timestamp: yesterday}))
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, Timestamp: today}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestQueryFiltersAndOrdersNewestFirst(t *testing.T) {
	logger, _ := newFileLogger(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	// 3 failed and 2 successful logins for one user, interleaved with noise.
	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log(ctx, Event{
			Type: EventUserLogin, UserID: "alice", Status: StatusFailure,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, logger.Log(ctx, Event{
			Type: EventUserLogin, UserID: "alice", Status: StatusSuccess,
			Timestamp: base.Add(time.Duration(10+i) * time.Minute),
		}))
	}
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, UserID: "bob", Status: StatusFailure, Timestamp: base}))

	failures, err := logger.Query(ctx, Filter{
		UserID: "alice",
		Types:  []EventType{EventUserLogin},
		Status: StatusFailure,
	})
	require.NoError(t, err)
	require.Len(t, failures, 3)
	for i := 1; i < len(failures); i++ {
		assert.False(t, failures[i].Timestamp.After(failures[i-1].Timestamp), "expected newest first")
	}
}

func TestQueryLimitOffset(t *testing.T) {
	logger, _ := newFileLogger(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		require.NoError(t, logger.Log(ctx, Event{
			Type: EventSessionCreated, UserID: "u1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := logger.Query(ctx, Filter{Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	// Offset 2 from newest: events 7, 6, 5.
	assert.True(t, page[0].Timestamp.Equal(base.Add(7*time.Second)))
	assert.True(t, page[2].Timestamp.Equal(base.Add(5*time.Second)))
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	logger, dir := newFileLogger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, UserID: "u1", Timestamp: now}))
	require.NoError(t, logger.Close())

	path := dayFile(dir, now.Format(dayFormat))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileLogger(dir)
	require.NoError(t, err)
	events, err := reopened.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestQueryDateRangePrunesFiles(t *testing.T) {
	logger, dir := newFileLogger(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-72 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, Timestamp: old}))
	require.NoError(t, logger.Log(ctx, Event{Type: EventUserLogin, Timestamp: recent}))

	events, err := logger.Query(ctx, Filter{From: recent.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.Format(dayFormat), events[0].Timestamp.Format(dayFormat))

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	_, err = logger.Query(ctx, Filter{})
	require.NoError(t, err)
}

func TestEventsGetStamped(t *testing.T) {
	logger, _ := newFileLogger(t)
	require.NoError(t, logger.Log(context.Background(), Event{Type: EventUserCreated}))

	events, err := logger.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, StatusSuccess, events[0].Status)
}
