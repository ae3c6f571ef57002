package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

const (
	defaultMaxSessions  = 10000
	evictThreshold      = 0.9
	evictFraction       = 0.25
	defaultReapInterval = time.Minute
)

// MemoryConfig sizes the in-process store.
type MemoryConfig struct {
	MaxSessions  int
	ReapInterval time.Duration
}

// MemoryStore keeps sessions in process, bounded by LRU eviction. A primary
// map by id, a userID index, and an access-time map are mutated only under
// the store's own lock. Reads refresh access time.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	accessed map[string]time.Time

	maxSessions int
	done        chan struct{}
	closeOnce   sync.Once
}

// NewMemoryStore constructs the store and starts its expiry reaper.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	s := &MemoryStore{
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]struct{}),
		accessed:    make(map[string]time.Time),
		maxSessions: cfg.MaxSessions,
		done:        make(chan struct{}),
	}
	go s.reapLoop(cfg.ReapInterval)
	return s
}

func (s *MemoryStore) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.DeleteExpired(context.Background())
		}
	}
}

// Set stores a session under id. The ttl recomputes ExpiresAt from now when
// positive; a zero ttl keeps the session's own ExpiresAt.
func (s *MemoryStore) Set(ctx context.Context, id string, sess *Session, ttl time.Duration) error {
	now := time.Now().UTC()
	stored := clone(sess)
	stored.ID = id
	if ttl > 0 {
		stored.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		if float64(len(s.sessions)) >= float64(s.maxSessions)*evictThreshold {
			s.evictLRU()
		}
	}

	s.sessions[id] = stored
	s.accessed[id] = now
	owned, ok := s.byUser[stored.UserID]
	if !ok {
		owned = make(map[string]struct{})
		s.byUser[stored.UserID] = owned
	}
	owned[id] = struct{}{}
	return nil
}

// evictLRU removes the least-recently-accessed quarter of the store in one
// batch. Called with the lock held.
func (s *MemoryStore) evictLRU() {
	count := int(float64(s.maxSessions) * evictFraction)
	if count < 1 {
		count = 1
	}
	if count > len(s.sessions) {
		count = len(s.sessions)
	}

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.accessed[ids[i]].Before(s.accessed[ids[j]])
	})
	for _, id := range ids[:count] {
		s.remove(id)
	}
}

// remove deletes a session from all three structures. Called with the lock held.
func (s *MemoryStore) remove(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	delete(s.accessed, id)
	if owned, ok := s.byUser[sess.UserID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}

// Get returns the session, reaping it lazily when already expired. A hit
// refreshes the access time so reads count toward LRU recency.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	if sess.Expired(now) {
		s.remove(id)
		return nil, shared.ErrNotFound
	}
	s.accessed[id] = now
	return clone(sess), nil
}

// Delete removes a session. Deleting an absent id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
	return nil
}

// UserSessions returns the user's live sessions.
func (s *MemoryStore) UserSessions(ctx context.Context, userID string) ([]*Session, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		sess := s.sessions[id]
		if sess.Expired(now) {
			s.remove(id)
			continue
		}
		result = append(result, clone(sess))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteUserSessions removes every session owned by the user.
func (s *MemoryStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.byUser[userID]
	count := len(owned)
	for id := range owned {
		delete(s.sessions, id)
		delete(s.accessed, id)
	}
	delete(s.byUser, userID)
	return count, nil
}

// DeleteExpired physically removes every expired session.
func (s *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.remove(id)
	}
	return len(expired), nil
}

// Count returns the number of stored sessions, expired ones included until reaped.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// UserCount returns the number of live sessions owned by the user.
func (s *MemoryStore) UserCount(ctx context.Context, userID string) (int, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// Close stops the reaper.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ Store = (*MemoryStore)(nil)
