package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"keyprint/internal/schemavalidation"
	"keyprint/internal/scorer"
	"keyprint/internal/settings"
)

// errBodyTooLarge is returned when a body exceeds MaxBodyBytes.
var errBodyTooLarge = errors.New("api: request body too large")

// errBadRequest marks malformed requests caught by the API layer itself.
var errBadRequest = errors.New("api: bad request")

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// mapping is the single place errors become status codes. Messages are
// deliberately generic; the verification endpoint never explains a
// rejection beyond the rejection message.
func mapping(err error) (code int, kind, message string, details any) {
	var schemaErr *schemavalidation.Error
	var settingsErr settings.ValidationErrors

	switch {
	case errors.As(err, &schemaErr):
		return http.StatusBadRequest, "invalid_request", "request does not match schema", schemaErr.Problems
	case errors.As(err, &settingsErr):
		return http.StatusBadRequest, "invalid_settings", "settings are invalid", settingsErr
	case errors.Is(err, schemavalidation.ErrMalformed), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request", "malformed request", nil
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large", "request body too large", nil
	case errors.Is(err, scorer.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many attempts, slow down", nil
	case errors.Is(err, scorer.ErrInsufficientData):
		return http.StatusUnprocessableEntity, "insufficient_data", "not enough keystrokes captured", nil
	case errors.Is(err, scorer.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "invalid keystroke timings", nil
	case errors.Is(err, scorer.ErrLockedOut):
		return http.StatusLocked, "locked_out", "too many failed attempts, try again later", nil
	case errors.Is(err, scorer.ErrNoProfile):
		return http.StatusNotFound, "no_profile", "no profile for this user", nil
	case errors.Is(err, scorer.ErrProfileExists):
		return http.StatusConflict, "profile_exists", "profile already exists", nil
	case errors.Is(err, scorer.ErrProfileActive):
		return http.StatusConflict, "profile_active", "profile is enrolled; training is closed", nil
	case errors.Is(err, scorer.ErrStorage):
		return http.StatusServiceUnavailable, "storage", "service temporarily unavailable", nil
	default:
		return http.StatusInternalServerError, "internal", "internal error", nil
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	code, kind, msg, details := mapping(err)
	if code >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			"route", route,
			"user_id", r.PathValue("userID"),
			"error", err,
		)
	}
	writeError(w, code, kind, msg, details)
}

func writeError(w http.ResponseWriter, code int, kind, msg string, details any) {
	writeJSON(w, code, ErrorBody{Error: kind, Message: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
