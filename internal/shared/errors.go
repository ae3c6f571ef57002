package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotImplemented marks a reserved strategy that has no implementation yet.
	ErrNotImplemented = errors.New("not implemented")
	// ErrStoreUnavailable indicates a persistence backend could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrHashTimeout indicates the hashing pool did not reply in time.
	ErrHashTimeout = errors.New("password hashing timed out")
)

// ValidationError reports rejected input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// DuplicateError reports a username/email uniqueness collision.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s", e.Field)
}

// SessionLimitError reports that a user already holds the maximum number of
// live sessions. The limit is named so the caller can act on it without
// exposing other sessions.
type SessionLimitError struct {
	Limit int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("session limit reached (%d active sessions allowed)", e.Limit)
}

// QuotaExceededError blocks the triggering write.
type QuotaExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d", e.Resource, e.Current, e.Limit)
}
