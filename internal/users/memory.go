package users

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// MemoryRepository keeps users in process. Username and email secondary
// indexes are updated together with the primary map on every write.
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryRepository constructs an empty in-process repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneUser(u *User) *User {
	clone := *u
	if u.Roles != nil {
		clone.Roles = append([]Role(nil), u.Roles...)
	}
	if u.Metadata != nil {
		clone.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Create stores a new user, failing on username or email collision.
func (r *MemoryRepository) Create(ctx context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byUsername[normalize(user.Username)]; taken {
		return &shared.DuplicateError{Field: "username"}
	}
	if _, taken := r.byEmail[normalize(user.Email)]; taken {
		return &shared.DuplicateError{Field: "email"}
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	stored := cloneUser(user)
	r.byID[user.ID] = stored
	r.byUsername[normalize(user.Username)] = user.ID
	r.byEmail[normalize(user.Email)] = user.ID
	return nil
}

// ByID fetches a user by id.
func (r *MemoryRepository) ByID(ctx context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneUser(user), nil
}

// ByUsername fetches a user by username.
func (r *MemoryRepository) ByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[normalize(username)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneUser(r.byID[id]), nil
}

// ByEmail fetches a user by email.
func (r *MemoryRepository) ByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[normalize(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cloneUser(r.byID[id]), nil
}

// Update rewrites a stored user, re-validating username and email uniqueness
// when changed. Both collisions are checked before any index is touched so a
// refused update leaves the repository unchanged.
func (r *MemoryRepository) Update(ctx context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[user.ID]
	if !ok {
		return shared.ErrNotFound
	}

	newEmail := normalize(user.Email)
	oldEmail := normalize(current.Email)
	if newEmail != oldEmail {
		if owner, taken := r.byEmail[newEmail]; taken && owner != user.ID {
			return &shared.DuplicateError{Field: "email"}
		}
	}

	newUsername := normalize(user.Username)
	oldUsername := normalize(current.Username)
	if newUsername != oldUsername {
		if owner, taken := r.byUsername[newUsername]; taken && owner != user.ID {
			return &shared.DuplicateError{Field: "username"}
		}
	}

	if newEmail != oldEmail {
		delete(r.byEmail, oldEmail)
		r.byEmail[newEmail] = user.ID
	}
	if newUsername != oldUsername {
		delete(r.byUsername, oldUsername)
		r.byUsername[newUsername] = user.ID
	}

	user.UpdatedAt = time.Now().UTC()
	r.byID[user.ID] = cloneUser(user)
	return nil
}

// Delete removes a user. Missing users are reported as not found.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	delete(r.byUsername, normalize(user.Username))
	delete(r.byEmail, normalize(user.Email))
	delete(r.byID, id)
	return nil
}

// List returns users ordered by creation time with limit/offset paging.
func (r *MemoryRepository) List(ctx context.Context, page shared.Page) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*User, 0, len(r.byID))
	for _, user := range r.byID {
		all = append(all, user)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if page.Offset >= len(all) {
		return []*User{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	result := make([]*User, 0, end-page.Offset)
	for _, user := range all[page.Offset:end] {
		result = append(result, cloneUser(user))
	}
	return result, nil
}

// Count returns the number of stored users.
func (r *MemoryRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), nil
}

var _ Repository = (*MemoryRepository)(nil)
