// Package auth orchestrates user lifecycle and session lifecycle on top of
// the user repository, session store, audit logger, hash pool, and isolation
// strategy. It is the only place credentials are ever checked.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nimbus-ide/nimbus/internal/audit"
	"github.com/nimbus-ide/nimbus/internal/isolation"
	"github.com/nimbus-ide/nimbus/internal/session"
	"github.com/nimbus-ide/nimbus/internal/shared"
	"github.com/nimbus-ide/nimbus/internal/users"
)

// Hasher abstracts the password hashing pool.
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, digest, password string) (bool, error)
}

// Config sets session and password policy.
type Config struct {
	SessionTTL            time.Duration
	MaxSessionsPerUser    int
	PasswordMinLength     int
	RequireStrongPassword bool
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.PasswordMinLength <= 0 {
		c.PasswordMinLength = 8
	}
	return c
}

// Metadata carries per-request client attributes into sessions and audit events.
type Metadata struct {
	IPAddress string
	UserAgent string
}

// LoginResult is returned to the transport layer on a successful login.
type LoginResult struct {
	Token     string
	User      *users.User
	Session   *session.Session
	ExpiresAt time.Time
}

// Service wraps authentication business rules.
type Service struct {
	cfg       Config
	repo      users.Repository
	store     session.Store
	auditor   audit.Logger
	hasher    Hasher
	isolation isolation.Strategy
	tokens    TokenCodec
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService constructs a Service. isolation may be nil when environment
// provisioning is handled elsewhere.
func NewService(cfg Config, repo users.Repository, store session.Store, auditor audit.Logger, hasher Hasher, iso isolation.Strategy, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		repo:      repo,
		store:     store,
		auditor:   auditor,
		hasher:    hasher,
		isolation: iso,
		tokens:    SessionIDCodec{},
		validate:  validator.New(),
		logger:    logger,
	}
}

// SetTokenCodec swaps the token strategy. Must be called before serving.
func (s *Service) SetTokenCodec(codec TokenCodec) {
	s.tokens = codec
}

// record is the best-effort audit write: a logging failure never aborts the
// operation that triggered it.
func (s *Service) record(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Log(ctx, event); err != nil && s.logger != nil {
		s.logger.Warn("audit write failed", slog.String("event", string(event.Type)), slog.Any("error", err))
	}
}

type createUserInput struct {
	Username string `validate:"required,min=3,max=64"`
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

func (s *Service) checkPasswordPolicy(password string) error {
	if len(password) < s.cfg.PasswordMinLength {
		return &shared.ValidationError{
			Field:  "password",
			Reason: fmt.Sprintf("must be at least %d characters", s.cfg.PasswordMinLength),
		}
	}
	if !s.cfg.RequireStrongPassword {
		return nil
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return &shared.ValidationError{
			Field:  "password",
			Reason: "must contain upper and lower case letters, a digit, and a symbol",
		}
	}
	return nil
}

// CreateUser validates input and password policy, hashes the password off the
// request path, stores the user, and provisions its isolation environment.
func (s *Service) CreateUser(ctx context.Context, username, email, password string, roles []users.Role) (*users.User, error) {
	input := createUserInput{Username: username, Email: email, Password: password}
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, &shared.ValidationError{Field: fieldErrs[0].Field(), Reason: fieldErrs[0].Tag()}
		}
		return nil, err
	}
	if err := s.checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	digest, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	if len(roles) == 0 {
		roles = []users.Role{users.RoleUser}
	}
	user := &users.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: digest,
		Roles:        roles,
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	if s.isolation != nil {
		if _, err := s.isolation.Initialize(ctx, user.ID); err != nil {
			// The account exists; a failed provisioning is surfaced so the
			// caller can retry rather than leave the user half-usable.
			return nil, fmt.Errorf("auth: provision environment: %w", err)
		}
	}

	s.record(ctx, audit.Event{
		Type:     audit.EventUserCreated,
		UserID:   user.ID,
		Username: user.Username,
		Status:   audit.StatusSuccess,
	})
	return user.Sanitized(), nil
}

// DeleteUser revokes every session first, then removes the account. The
// isolation environment survives until an explicit destroy.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.repo.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoke sessions: %w", err)
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Type:     audit.EventUserDeleted,
		UserID:   userID,
		Username: user.Username,
		Status:   audit.StatusSuccess,
	})
	return nil
}

// Authenticate validates username/password credentials. It fails closed:
// missing users, inactive users, and verification errors all resolve to
// ErrInvalidCredentials, with pool errors logged for operators. A hash
// timeout surfaces distinctly so operators, not users, get alerted.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*users.User, error) {
	user, err := s.repo.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(ctx, user.PasswordHash, password)
	if err != nil {
		if errors.Is(err, shared.ErrHashTimeout) {
			return nil, err
		}
		if s.logger != nil {
			s.logger.Warn("password verification error", slog.Any("error", err))
		}
		return nil, shared.ErrInvalidCredentials
	}
	if !ok {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and creates a session. Failures are audit-logged before
// the error is returned; the error message stays generic regardless of
// whether the username existed. A user already holding the configured number
// of live sessions is refused; the caller must revoke one explicitly.
func (s *Service) Login(ctx context.Context, username, password string, meta Metadata) (*LoginResult, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		status := audit.StatusFailure
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			status = audit.StatusError
		}
		s.record(ctx, audit.Event{
			Type:      audit.EventUserLogin,
			Username:  username,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Status:    status,
			Error:     err.Error(),
		})
		return nil, err
	}

	live, err := s.store.UserCount(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: count sessions: %w", err)
	}
	if live >= s.cfg.MaxSessionsPerUser {
		limitErr := &shared.SessionLimitError{Limit: s.cfg.MaxSessionsPerUser}
		s.record(ctx, audit.Event{
			Type:      audit.EventUserLogin,
			UserID:    user.ID,
			Username:  user.Username,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Status:    audit.StatusFailure,
			Error:     limitErr.Error(),
		})
		return nil, limitErr
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
		LastActivity: now,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}
	if err := s.store.Set(ctx, sess.ID, sess, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("auth: store session: %w", err)
	}

	user.LastLogin = now
	if err := s.repo.Update(ctx, user); err != nil && s.logger != nil {
		s.logger.Warn("update last login", slog.Any("error", err))
	}

	s.record(ctx, audit.Event{
		Type:      audit.EventUserLogin,
		UserID:    user.ID,
		Username:  user.Username,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Status:    audit.StatusSuccess,
		Metadata:  map[string]string{"session_id": sess.ID},
	})

	return &LoginResult{
		Token:     s.tokens.Generate(sess),
		User:      user.Sanitized(),
		Session:   sess,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Logout revokes the session behind the token. Already-invalid tokens are a
// no-op so repeated logouts stay idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	sess, err := s.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	s.record(ctx, audit.Event{
		Type:   audit.EventUserLogout,
		UserID: sess.UserID,
		Status: audit.StatusSuccess,
	})
	return nil
}

// ValidateSession is the expiry checkpoint: an expired session is physically
// deleted here, a live one has its activity bumped and expiry slid forward.
func (s *Service) ValidateSession(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if sess.Expired(now) {
		// Stores already treat expired as absent; this handles a session that
		// lapsed between fetch and check.
		if err := s.store.Delete(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("auth: reap expired session: %w", err)
		}
		s.record(ctx, audit.Event{
			Type:   audit.EventSessionExpired,
			UserID: sess.UserID,
			Status: audit.StatusSuccess,
		})
		return nil, shared.ErrNotFound
	}

	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.cfg.SessionTTL)
	if err := s.store.Set(ctx, sess.ID, sess, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("auth: refresh activity: %w", err)
	}
	return sess, nil
}

// RefreshSession slides the expiry forward from now. Unlike ValidateSession
// it fails loudly when the session is already gone.
func (s *Service) RefreshSession(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.cfg.SessionTTL)
	if err := s.store.Set(ctx, sess.ID, sess, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("auth: refresh session: %w", err)
	}
	s.record(ctx, audit.Event{
		Type:   audit.EventSessionRefreshed,
		UserID: sess.UserID,
		Status: audit.StatusSuccess,
	})
	return sess, nil
}

// RevokeSession terminates one session explicitly.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	sess, err := s.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("auth: revoke session: %w", err)
	}
	s.record(ctx, audit.Event{
		Type:   audit.EventSessionRevoked,
		UserID: sess.UserID,
		Status: audit.StatusSuccess,
	})
	return nil
}

// RevokeUserSessions terminates every session the user holds.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	count, err := s.store.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("auth: revoke user sessions: %w", err)
	}
	s.record(ctx, audit.Event{
		Type:     audit.EventSessionRevoked,
		UserID:   userID,
		Status:   audit.StatusSuccess,
		Metadata: map[string]string{"revoked": fmt.Sprintf("%d", count)},
	})
	return count, nil
}

// GenerateToken exposes the token strategy for callers that mint sessions
// through other paths.
func (s *Service) GenerateToken(sess *session.Session) string {
	return s.tokens.Generate(sess)
}

// VerifyToken resolves a bearer token to its live session without mutating
// it. Expired sessions read as absent.
func (s *Service) VerifyToken(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, shared.ErrNotFound
	}
	id, err := s.tokens.SessionID(token)
	if err != nil {
		return nil, shared.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// UserSessions lists the user's live sessions.
func (s *Service) UserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	return s.store.UserSessions(ctx, userID)
}

// EnsureBootstrapAdmin creates the admin account once if no user with the
// given username exists. Used at startup with credentials from configuration.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, email, password string) error {
	if username == "" || password == "" {
		return nil
	}
	_, err := s.repo.ByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	_, err = s.CreateUser(ctx, username, email, password, []users.Role{users.RoleAdmin})
	return err
}
