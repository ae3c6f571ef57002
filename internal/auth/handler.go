package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/nimbus-ide/nimbus/internal/audit"
	"github.com/nimbus-ide/nimbus/internal/platform/httpx"
	"github.com/nimbus-ide/nimbus/internal/shared"
	"github.com/nimbus-ide/nimbus/internal/users"
)

// Handler exposes the authentication entry points as a JSON API consumed by
// the IDE transport layer.
type Handler struct {
	logger  *slog.Logger
	service *Service
	repo    users.Repository
	auditor audit.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, repo users.Repository, auditor audit.Logger) *Handler {
	return &Handler{logger: logger, service: service, repo: repo, auditor: auditor}
}

// MountRoutes registers auth routes on the provided router. Login is rate
// limited per client IP; throttling is this layer's job, not the service's.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/auth/login", h.handleLogin)
	})
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/session", h.handleSession)
	r.Post("/auth/refresh", h.handleRefresh)
	r.Get("/audit/events", h.handleAuditQuery)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.handleCreateUser)
		r.Get("/", h.handleListUsers)
		r.Get("/{id}", h.handleGetUser)
		r.Delete("/{id}", h.handleDeleteUser)
		r.Get("/{id}/sessions", h.handleUserSessions)
		r.Delete("/{id}/sessions", h.handleRevokeUserSessions)
	})
}

// requireAdmin resolves the caller's session and checks the admin role. A nil
// user means the response is already written.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) *users.User {
	sess, err := h.service.ValidateSession(r.Context(), BearerToken(r))
	if err != nil {
		httpx.RespondError(w, err)
		return nil
	}
	user, err := h.repo.ByID(r.Context(), sess.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return nil
	}
	if !user.HasRole(users.RoleAdmin) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "admin role required")
		return nil
	}
	return user
}

// AdminOnly gates a route subtree behind an authenticated admin session.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.requireAdmin(w, r) == nil {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from the Authorization header or the
// session cookie, in that order.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie("nimbus_session"); err == nil {
		return cookie.Value
	}
	return ""
}

func clientMeta(r *http.Request) Metadata {
	ip := r.RemoteAddr
	// RemoteAddr may arrive without a port (reverse proxies, tests).
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Metadata{IPAddress: ip, UserAgent: r.UserAgent()}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	User      *users.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	result, err := h.service.Login(r.Context(), req.Username, req.Password, clientMeta(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		User:      result.User,
		ExpiresAt: result.ExpiresAt,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), BearerToken(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.ValidateSession(r.Context(), BearerToken(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.RefreshSession(r.Context(), BearerToken(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

// handleAuditQuery serves the audit trail to admins. This is the only read
// path an audit UI uses.
func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}

	query := r.URL.Query()
	filter := audit.Filter{
		UserID: query.Get("user_id"),
		Status: audit.Status(query.Get("status")),
	}
	for _, t := range query["type"] {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := query.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := query.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}

	events, err := h.auditor.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

type createUserRequest struct {
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Roles    []users.Role `json:"roles,omitempty"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	user, err := h.service.CreateUser(r.Context(), req.Username, req.Email, req.Password, req.Roles)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

type userListResponse struct {
	Users []*users.User `json:"users"`
	Total int           `json:"total"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	list, err := h.repo.List(r.Context(), shared.NewPage(limit, offset))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	total, err := h.repo.Count(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sanitized := make([]*users.User, len(list))
	for i, u := range list {
		sanitized[i] = u.Sanitized()
	}
	httpx.JSON(w, http.StatusOK, userListResponse{Users: sanitized, Total: total})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	user, err := h.repo.ByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user.Sanitized())
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	caller := h.requireAdmin(w, r)
	if caller == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if id == caller.ID {
		httpx.Problem(w, http.StatusConflict, "Conflict", "cannot delete own account")
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	sessions, err := h.service.UserSessions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessions)
}

type revokeResponse struct {
	Revoked int `json:"revoked"`
}

func (h *Handler) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	revoked, err := h.service.RevokeUserSessions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}
