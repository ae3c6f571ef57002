// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validationErr *shared.ValidationError
		duplicateErr  *shared.DuplicateError
		limitErr      *shared.SessionLimitError
		quotaErr      *shared.QuotaExceededError
	)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		// Generic message regardless of whether the username existed.
		Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
	case errors.As(err, &limitErr):
		Problem(w, http.StatusConflict, "Session Limit", limitErr.Error())
	case errors.As(err, &duplicateErr):
		Problem(w, http.StatusConflict, "Duplicate", duplicateErr.Error())
	case errors.As(err, &validationErr):
		Problem(w, http.StatusBadRequest, "Validation Failed", validationErr.Error())
	case errors.As(err, &quotaErr):
		Problem(w, http.StatusForbidden, "Quota Exceeded", quotaErr.Error())
	case errors.Is(err, shared.ErrNotImplemented):
		Problem(w, http.StatusNotImplemented, "Not Implemented", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
