package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// Repository defines persistence operations for user accounts. Finders return
// shared.ErrNotFound on miss; Create and Update return *shared.DuplicateError
// on username/email collisions.
type Repository interface {
	Create(ctx context.Context, user *User) error
	ByID(ctx context.Context, id string) (*User, error)
	ByUsername(ctx context.Context, username string) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page shared.Page) ([]*User, error)
	Count(ctx context.Context) (int, error)
}

// New selects a Repository implementation by configured backend name.
// Calling code never branches on the backend kind.
func New(backend string, pool *pgxpool.Pool) (Repository, error) {
	switch backend {
	case "memory", "":
		return NewMemoryRepository(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("users: postgres backend requires a connection pool")
		}
		return NewPGRepository(pool), nil
	default:
		return nil, fmt.Errorf("users: unknown backend %q", backend)
	}
}
