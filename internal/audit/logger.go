package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Logger appends and queries audit events. Log must be treated as best-effort
// by callers: a failed audit write never aborts the triggering operation.
type Logger interface {
	Log(ctx context.Context, event Event) error
	Query(ctx context.Context, filter Filter) ([]*Event, error)
	Close() error
}

// Config selects an audit backend.
type Config struct {
	Backend string
	LogDir  string
}

// New selects a Logger implementation by configured backend name.
func New(cfg Config, pool *pgxpool.Pool) (Logger, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileLogger(cfg.LogDir)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("audit: postgres backend requires a connection pool")
		}
		return NewPGLogger(pool), nil
	case "composite":
		fileLogger, err := NewFileLogger(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			return nil, fmt.Errorf("audit: composite backend requires a connection pool")
		}
		return NewComposite(fileLogger, NewPGLogger(pool)), nil
	default:
		return nil, fmt.Errorf("audit: unknown backend %q", cfg.Backend)
	}
}

// stamp fills in id and timestamp when the caller left them zero.
func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
}

// Composite fans writes out to several backends for dual durability and
// serves queries from the first one.
type Composite struct {
	backends []Logger
}

// NewComposite wraps the given backends; the first also serves Query.
func NewComposite(backends ...Logger) *Composite {
	return &Composite{backends: backends}
}

// Log writes to every backend in parallel; partial failures are collected so
// one slow or broken backend cannot hide a durable write on another.
func (c *Composite) Log(ctx context.Context, event Event) error {
	stamp(&event)
	// No shared cancellation: one failing backend must not abort a durable
	// write on another.
	var g errgroup.Group
	for _, backend := range c.backends {
		backend := backend
		g.Go(func() error {
			return backend.Log(ctx, event)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("audit: composite log: %w", err)
	}
	return nil
}

// Query reads from the first configured backend only.
func (c *Composite) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	if len(c.backends) == 0 {
		return nil, fmt.Errorf("audit: no backends configured")
	}
	return c.backends[0].Query(ctx, filter)
}

// Close closes every backend, keeping the first error.
func (c *Composite) Close() error {
	var first error
	for _, backend := range c.backends {
		if err := backend.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Logger = (*Composite)(nil)
