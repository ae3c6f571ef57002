package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

const uniqueViolation = "23505"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PostgreSQL repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, roles, created_at, updated_at, last_login, is_active, metadata`

func scanUser(row pgx.Row) (*User, error) {
	var (
		user      User
		roles     []string
		lastLogin pgtype.Timestamptz
		metaJSON  []byte
	)
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &roles,
		&user.CreatedAt, &user.UpdatedAt, &lastLogin, &user.IsActive, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("users: scan: %w", err)
	}
	for _, r := range roles {
		user.Roles = append(user.Roles, Role(r))
	}
	if lastLogin.Valid {
		user.LastLogin = lastLogin.Time
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &user.Metadata); err != nil {
			return nil, fmt.Errorf("users: decode metadata: %w", err)
		}
	}
	return &user, nil
}

func duplicateField(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		field := "username"
		if strings.Contains(pgErr.ConstraintName, "email") {
			field = "email"
		}
		return &shared.DuplicateError{Field: field}
	}
	return err
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// Create inserts a new user row.
func (r *PGRepository) Create(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	metaJSON, err := json.Marshal(user.Metadata)
	if err != nil {
		return fmt.Errorf("users: encode metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, roles, created_at, updated_at, last_login, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.ID, user.Username, user.Email, user.PasswordHash, rolesToStrings(user.Roles),
		user.CreatedAt, user.UpdatedAt, nullableTime(user.LastLogin), user.IsActive, metaJSON)
	if err != nil {
		return duplicateField(err)
	}
	return nil
}

// ByID fetches a user by id.
func (r *PGRepository) ByID(ctx context.Context, id string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ByUsername fetches a user by username, case-insensitively.
func (r *PGRepository) ByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
}

// ByEmail fetches a user by email, case-insensitively.
func (r *PGRepository) ByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// Update rewrites a user row. The unique indexes enforce email/username
// uniqueness; collisions map to DuplicateError.
func (r *PGRepository) Update(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	metaJSON, err := json.Marshal(user.Metadata)
	if err != nil {
		return fmt.Errorf("users: encode metadata: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET username = $2, email = $3, password_hash = $4, roles = $5,
		    updated_at = $6, last_login = $7, is_active = $8, metadata = $9
		WHERE id = $1`,
		user.ID, user.Username, user.Email, user.PasswordHash, rolesToStrings(user.Roles),
		user.UpdatedAt, nullableTime(user.LastLogin), user.IsActive, metaJSON)
	if err != nil {
		return duplicateField(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes a user row.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("users: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// List returns users ordered by creation time with limit/offset paging.
func (r *PGRepository) List(ctx context.Context, page shared.Page) ([]*User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()

	var result []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	return result, nil
}

// Count returns the number of stored users.
func (r *PGRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("users: count: %w", err)
	}
	return count, nil
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

var _ Repository = (*PGRepository)(nil)
