package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is the uniform contract shared by every backend. Get returns
// shared.ErrNotFound for missing and for expired-but-unreaped sessions alike.
// Delete is idempotent. Backend unavailability is returned as an error, never
// collapsed into an authenticated/unauthenticated answer.
//
// Across processes sharing a remote backend only last-write-wins is
// guaranteed; single-process ordering on one key follows submission order.
type Store interface {
	Set(ctx context.Context, id string, sess *Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	UserSessions(ctx context.Context, userID string) ([]*Session, error)
	DeleteUserSessions(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	UserCount(ctx context.Context, userID string) (int, error)
	Close() error
}

// Config selects and sizes a backend.
type Config struct {
	Backend     string
	MaxSessions int
}

// New selects a Store implementation by configured backend name.
// Calling code never branches on the backend kind.
func New(cfg Config, client *redis.Client, pool *pgxpool.Pool) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(MemoryConfig{MaxSessions: cfg.MaxSessions}), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("session: redis backend requires a client")
		}
		return NewRedisStore(client), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("session: postgres backend requires a connection pool")
		}
		return NewPGStore(pool), nil
	default:
		return nil, fmt.Errorf("session: unknown backend %q", cfg.Backend)
	}
}
