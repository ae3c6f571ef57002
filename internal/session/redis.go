package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

const (
	sessionKeyPrefix = "nimbus:session:"
	userIndexPrefix  = "nimbus:user-sessions:"
)

// RedisStore keeps sessions in a shared cache, leaning on native TTL for
// expiry. A per-user set indexes owned session ids and is re-TTL'd alongside
// every write so it never outlives the longest session by much.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Store backed by a shared Redis instance.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string   { return sessionKeyPrefix + id }
func userIndexKey(id string) string { return userIndexPrefix + id }

// Set writes the session payload under its namespaced key with TTL equal to
// the remaining lifetime, and registers the id in the owner's index set.
func (s *RedisStore) Set(ctx context.Context, id string, sess *Session, ttl time.Duration) error {
	now := time.Now().UTC()
	stored := clone(sess)
	stored.ID = id
	if ttl > 0 {
		stored.ExpiresAt = now.Add(ttl)
	}
	life := stored.Remaining(now)
	if life <= 0 {
		return fmt.Errorf("session: refusing to store an already expired session")
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(id), payload, life)
	pipe.SAdd(ctx, userIndexKey(stored.UserID), id)
	pipe.Expire(ctx, userIndexKey(stored.UserID), life)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// fetch reads and decodes a payload without applying the expiry guard;
// redis.Nil maps to not found.
func (s *RedisStore) fetch(ctx context.Context, id string) (*Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &sess, nil
}

// remove drops the payload and the owner's index entry in one pipeline.
func (s *RedisStore) remove(ctx context.Context, id, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, userIndexKey(userID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// Get fetches a session.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	// TTL normally reaps first; guard against clock drift between writers.
	if sess.Expired(time.Now().UTC()) {
		_ = s.remove(ctx, id, sess.UserID)
		return nil, shared.ErrNotFound
	}
	return sess, nil
}

// Delete removes the payload and the index entry. Idempotent, and deletes
// even a payload that is already past its app-side expiry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.fetch(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = s.client.Del(ctx, sessionKey(id)).Err()
			return nil
		}
		return err
	}
	return s.remove(ctx, id, sess.UserID)
}

// UserSessions costs one index fetch plus one pipelined fetch per owned id.
// Ids whose payload has lapsed are pruned from the index as they are seen.
func (s *RedisStore) UserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}

	now := time.Now().UTC()
	result := make([]*Session, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		payload, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
		}
		var sess Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if sess.Expired(now) {
			stale = append(stale, ids[i])
			continue
		}
		result = append(result, &sess)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, userIndexKey(userID), stale...).Err()
	}
	return result, nil
}

// DeleteUserSessions removes every session owned by the user.
func (s *RedisStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		_ = s.client.Del(ctx, userIndexKey(userID)).Err()
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, sess := range sessions {
		pipe.Del(ctx, sessionKey(sess.ID))
	}
	pipe.Del(ctx, userIndexKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return len(sessions), nil
}

// DeleteExpired is a no-op for this backend: native TTL already reaps
// payloads, and index sets prune lazily.
func (s *RedisStore) DeleteExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Count scans the session namespace.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// UserCount returns the number of live sessions owned by the user.
func (s *RedisStore) UserCount(ctx context.Context, userID string) (int, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// Close releases nothing; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
