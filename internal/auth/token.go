package auth

import (
	"github.com/google/uuid"

	"github.com/nimbus-ide/nimbus/internal/session"
)

// TokenCodec turns sessions into bearer tokens and back into session ids.
// The default codec uses the session id itself as the token. A signed-token
// scheme can replace it without touching the session store or the pass/fail
// contract of VerifyToken.
type TokenCodec interface {
	Generate(sess *session.Session) string
	SessionID(token string) (string, error)
}

// SessionIDCodec is the default token strategy: the token is the session id.
type SessionIDCodec struct{}

// Generate returns the session id, minting one if absent.
func (SessionIDCodec) Generate(sess *session.Session) string {
	if sess != nil && sess.ID != "" {
		return sess.ID
	}
	return uuid.NewString()
}

// SessionID returns the token unchanged.
func (SessionIDCodec) SessionID(token string) (string, error) {
	return token, nil
}
