// Package audit keeps an append-only, queryable trail of security-relevant
// actions. Events are never mutated after being written.
package audit

import "time"

// EventType names a lifecycle or security event. The set is closed; new event
// kinds get a constant here, not ad-hoc strings at call sites.
type EventType string

const (
	EventUserCreated       EventType = "user.created"
	EventUserDeleted       EventType = "user.deleted"
	EventUserLogin         EventType = "user.login"
	EventUserLogout        EventType = "user.logout"
	EventSessionCreated    EventType = "session.created"
	EventSessionExpired    EventType = "session.expired"
	EventSessionRevoked    EventType = "session.revoked"
	EventSessionRefreshed  EventType = "session.refreshed"
	EventQuotaExceeded     EventType = "quota.exceeded"
	EventSecurityViolation EventType = "security.violation"
)

// Status classifies the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Event is one immutable audit record.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Filter narrows a query. Zero fields match everything; Limit defaults to 100.
type Filter struct {
	UserID string
	Types  []EventType
	From   time.Time
	To     time.Time
	Status Status
	Limit  int
	Offset int
}

const defaultQueryLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}

func (f Filter) matches(e *Event) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
