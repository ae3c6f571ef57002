package users

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

func newUser(username, email string) *User {
	return &User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    email,
		Roles:    []Role{RoleUser},
		IsActive: true,
	}
}

func TestCreateAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice := newUser("alice", "alice@x.com")
	require.NoError(t, repo.Create(ctx, alice))

	byUsername, err := repo.ByUsername(ctx, "alice")
	require.NoError(t, err)
	byEmail, err := repo.ByEmail(ctx, "alice@x.com")
	require.NoError(t, err)

	assert.Equal(t, alice.ID, byUsername.ID)
	assert.Equal(t, alice.ID, byEmail.ID)
	assert.False(t, byUsername.CreatedAt.IsZero())
}

func TestFindersAreCaseInsensitive(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newUser("Alice", "Alice@X.com")))

	_, err := repo.ByUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.ByEmail(ctx, "ALICE@x.COM")
	require.NoError(t, err)
}

func TestDuplicatesRejectedAndCountUnchanged(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newUser("alice", "alice@x.com")))

	var dup *shared.DuplicateError

	err := repo.Create(ctx, newUser("alice", "other@x.com"))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "username", dup.Field)

	err = repo.Create(ctx, newUser("bob", "alice@x.com"))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "email", dup.Field)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFindMissReturnsNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.ByID(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = repo.ByUsername(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = repo.ByEmail(ctx, "missing@x.com")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateRevalidatesEmailUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice := newUser("alice", "alice@x.com")
	bob := newUser("bob", "bob@x.com")
	require.NoError(t, repo.Create(ctx, alice))
	require.NoError(t, repo.Create(ctx, bob))

	bob.Email = "alice@x.com"
	var dup *shared.DuplicateError
	require.ErrorAs(t, repo.Update(ctx, bob), &dup)
	assert.Equal(t, "email", dup.Field)

	// A fresh email is accepted and the old index entry is released.
	bob.Email = "bob2@x.com"
	require.NoError(t, repo.Update(ctx, bob))
	_, err := repo.ByEmail(ctx, "bob@x.com")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	found, err := repo.ByEmail(ctx, "bob2@x.com")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, found.ID)
}

func TestRefusedUpdateLeavesIndexesUntouched(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice := newUser("alice", "alice@x.com")
	bob := newUser("bob", "bob@x.com")
	require.NoError(t, repo.Create(ctx, alice))
	require.NoError(t, repo.Create(ctx, bob))

	// New email is free but the username collides; the whole update must be
	// refused without releasing bob's old email.
	bob.Username = "alice"
	bob.Email = "bob2@x.com"
	var dup *shared.DuplicateError
	require.ErrorAs(t, repo.Update(ctx, bob), &dup)
	assert.Equal(t, "username", dup.Field)

	found, err := repo.ByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, found.ID)
	_, err = repo.ByEmail(ctx, "bob2@x.com")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// The old email is still taken, so a new account cannot claim it.
	err = repo.Create(ctx, newUser("carol", "bob@x.com"))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "email", dup.Field)
}

func TestDeleteCleansIndexes(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice := newUser("alice", "alice@x.com")
	require.NoError(t, repo.Create(ctx, alice))
	require.NoError(t, repo.Delete(ctx, alice.ID))

	_, err := repo.ByUsername(ctx, "alice")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// The released username and email can be claimed again.
	require.NoError(t, repo.Create(ctx, newUser("alice", "alice@x.com")))
}

func TestListPagination(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		u := newUser(string(rune('a'+i)), string(rune('a'+i))+"@x.com")
		u.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, u))
	}

	first, err := repo.List(ctx, shared.NewPage(2, 0))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Username)

	second, err := repo.List(ctx, shared.NewPage(2, 2))
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "c", second[0].Username)

	tail, err := repo.List(ctx, shared.NewPage(10, 4))
	require.NoError(t, err)
	require.Len(t, tail, 1)

	empty, err := repo.List(ctx, shared.NewPage(10, 99))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoredUserIsIsolatedFromCallerMutation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice := newUser("alice", "alice@x.com")
	alice.Metadata = map[string]string{"plan": "free"}
	require.NoError(t, repo.Create(ctx, alice))

	alice.Metadata["plan"] = "mutated"
	stored, err := repo.ByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "free", stored.Metadata["plan"])
}
