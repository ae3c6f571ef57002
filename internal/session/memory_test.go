package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

func testSession(userID string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
}

func newTestStore(t *testing.T, max int) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(MemoryConfig{MaxSessions: max, ReapInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	sess := testSession("u1", time.Hour)
	require.NoError(t, store.Set(ctx, sess.ID, sess, 0))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, got.UserID)

	require.NoError(t, store.Delete(ctx, sess.ID))
	_, err = store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(ctx, sess.ID))
}

func TestExpiredSessionReadsAsAbsent(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	sess := testSession("u1", 30*time.Millisecond)
	require.NoError(t, store.Set(ctx, sess.ID, sess, 0))

	time.Sleep(60 * time.Millisecond)

	// No explicit delete happened; lazy expiry must still hide it.
	_, err := store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	count, err := store.UserCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTTLRecomputesExpiry(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	sess := testSession("u1", time.Minute)
	before := time.Now().UTC()
	require.NoError(t, store.Set(ctx, sess.ID, sess, 2*time.Hour))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(2*time.Hour), got.ExpiresAt, time.Second)
}

func TestUserIndex(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sess := testSession("alice", time.Hour)
		require.NoError(t, store.Set(ctx, sess.ID, sess, 0))
	}
	bob := testSession("bob", time.Hour)
	require.NoError(t, store.Set(ctx, bob.ID, bob, 0))

	sessions, err := store.UserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 3)

	deleted, err := store.DeleteUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteExpiredReturnsCount(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sess := testSession("u1", 10*time.Millisecond)
		require.NoError(t, store.Set(ctx, sess.ID, sess, 0))
	}
	keeper := testSession("u1", time.Hour)
	require.NoError(t, store.Set(ctx, keeper.ID, keeper, 0))

	time.Sleep(30 * time.Millisecond)

	reaped, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, reaped)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLRUBatchEviction(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	ids := make([]string, 0, 90)
	for i := 0; i < 90; i++ {
		sess := testSession("u1", time.Hour)
		sess.ID = fmt.Sprintf("sess-%03d", i)
		require.NoError(t, store.Set(ctx, sess.ID, sess, 0))
		ids = append(ids, sess.ID)
	}

	// Touch the very first insert so a read refreshes its recency.
	_, err := store.Get(ctx, ids[0])
	require.NoError(t, err)

	// At 90 entries the next insert crosses the 90% threshold and must evict
	// the 25 least-recently-accessed entries in one batch.
	trigger := testSession("u1", time.Hour)
	trigger.ID = "sess-trigger"
	require.NoError(t, store.Set(ctx, trigger.ID, trigger, 0))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90-25+1, count)

	// The freshly-read entry survived even though it was inserted first.
	_, err = store.Get(ctx, ids[0])
	assert.NoError(t, err)

	// Exactly 25 of the untouched entries did not.
	evicted := 0
	for _, id := range ids[1:] {
		if _, err := store.Get(ctx, id); err != nil {
			evicted++
		}
	}
	assert.Equal(t, 25, evicted)

	// The user index was cleaned alongside the primary map.
	userCount, err := store.UserCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 90-25+1, userCount)
}

func TestOverwriteDoesNotTriggerEviction(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	sess := testSession("u1", time.Hour)
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Set(ctx, sess.ID, sess, 0))
	}
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
