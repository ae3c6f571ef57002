package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// PGLogger mirrors the file logger contract against an audit_events table
// using parameterized queries.
type PGLogger struct {
	pool *pgxpool.Pool
}

// NewPGLogger constructs a database-backed audit logger.
func NewPGLogger(pool *pgxpool.Pool) *PGLogger {
	return &PGLogger{pool: pool}
}

// Log inserts one event row.
func (l *PGLogger) Log(ctx context.Context, event Event) error {
	stamp(&event)
	metaJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_events (id, occurred_at, event_type, user_id, username, ip_address, user_agent, status, metadata, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Timestamp.UTC(), string(event.Type), event.UserID, event.Username,
		event.IPAddress, event.UserAgent, string(event.Status), metaJSON, event.Error)
	if err != nil {
		return fmt.Errorf("audit: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// Query returns matching events newest-first with limit/offset paging.
func (l *PGLogger) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, occurred_at, event_type, user_id, username, ip_address, user_agent, status, metadata, error
		FROM audit_events
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND (cardinality($3::text[]) = 0 OR event_type = ANY($3::text[]))
		  AND ($4::timestamptz IS NULL OR occurred_at >= $4)
		  AND ($5::timestamptz IS NULL OR occurred_at <= $5)
		ORDER BY occurred_at DESC
		LIMIT $6 OFFSET $7`

	types := make([]string, len(filter.Types))
	for i, t := range filter.Types {
		types[i] = string(t)
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		f := filter.From.UTC()
		from = &f
	}
	if !filter.To.IsZero() {
		t := filter.To.UTC()
		to = &t
	}

	rows, err := l.pool.Query(ctx, query, filter.UserID, string(filter.Status), types, from, to, filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("audit: %w: %v", shared.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			status    string
			metaJSON  []byte
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &eventType, &event.UserID, &event.Username,
			&event.IPAddress, &event.UserAgent, &status, &metaJSON, &event.Error); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		event.Type = EventType(eventType)
		event.Status = Status(status)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		result = append(result, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: %w: %v", shared.ErrStoreUnavailable, err)
	}
	return result, nil
}

// Close releases nothing; the pool is owned by the caller.
func (l *PGLogger) Close() error {
	return nil
}

var _ Logger = (*PGLogger)(nil)
