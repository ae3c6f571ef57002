package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// PGStore persists sessions in one table keyed by session id. Expiry is
// enforced by an expires_at predicate on every read until DeleteExpired
// physically removes lapsed rows (run periodically by the sweep job).
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const sessionColumns = `id, user_id, created_at, expires_at, last_activity, ip_address, user_agent, container_id, process_id, metadata`

// Set upserts the session row on conflict with its id.
func (s *PGStore) Set(ctx context.Context, id string, sess *Session, ttl time.Duration) error {
	now := time.Now().UTC()
	stored := clone(sess)
	stored.ID = id
	if ttl > 0 {
		stored.ExpiresAt = now.Add(ttl)
	}
	metaJSON, err := json.Marshal(stored.Metadata)
	if err != nil {
		return fmt.Errorf("session: encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, last_activity, ip_address, user_agent, container_id, process_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			last_activity = EXCLUDED.last_activity,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			container_id = EXCLUDED.container_id,
			process_id = EXCLUDED.process_id,
			metadata = EXCLUDED.metadata`,
		stored.ID, stored.UserID, stored.CreatedAt.UTC(), stored.ExpiresAt.UTC(),
		stored.LastActivity.UTC(), nullText(stored.IPAddress), nullText(stored.UserAgent),
		nullText(stored.ContainerID), nullInt(stored.ProcessID), metaJSON)
	if err != nil {
		return fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess        Session
		ip, ua, cid pgtype.Text
		pid         pgtype.Int4
		metaJSON    []byte
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt,
		&sess.LastActivity, &ip, &ua, &cid, &pid, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	sess.ContainerID = cid.String
	sess.ProcessID = int(pid.Int32)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("session: decode metadata: %w", err)
		}
	}
	return &sess, nil
}

// Get fetches a live session; expired rows read as absent.
func (s *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = $1 AND expires_at > now()`, id))
}

// Delete removes a session row. Idempotent.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// UserSessions returns the user's live sessions ordered by creation time.
func (s *PGStore) UserSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND expires_at > now()
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	result := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return result, nil
}

// DeleteUserSessions removes every session owned by the user.
func (s *PGStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired physically deletes lapsed rows.
func (s *PGStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of live sessions.
func (s *PGStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE expires_at > now()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return count, nil
}

// UserCount returns the number of live sessions owned by the user.
func (s *PGStore) UserCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE user_id = $1 AND expires_at > now()`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("session: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return count, nil
}

// Close releases nothing; the pool is owned by the caller.
func (s *PGStore) Close() error {
	return nil
}

func nullText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

func nullInt(v int) pgtype.Int4 {
	return pgtype.Int4{Int32: int32(v), Valid: v != 0}
}

var _ Store = (*PGStore)(nil)
