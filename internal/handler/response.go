// Package handler turns HTTP requests into service calls and service
// results into JSON responses.
//
// Handlers depend on small interfaces declared next to them, never on the
// concrete services, so tests drive them with hand-written fakes.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/serviceuser/internal/apperror"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable type, e.g. "policy_violation"
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending field for validation errors
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps an apperror class to a status code.
//
// WHICH ERROR DECIDES?
// An *AppError can wrap another one as its Cause: the validator returns
// Internal wrapping the IO or NotFound error that made the check fail. With
// errors.Is every sentinel in that chain would match, and the order of the
// checks would decide the status. Instead the outermost *AppError found by
// errors.As is used and its own Err is switched on, so an Internal
// rejection is a 500 even when its cause is a NotFound.
//
// MAPPING:
//
//	ValidationFailed -> 400 validation_error
//	NotFound         -> 404 not_found
//	Forbidden        -> 403 forbidden
//	Conflict         -> 409 conflict
//	ConcurrentUpdate -> 409 concurrent_update (retry the request)
//	PolicyViolation  -> 403 policy_violation
//	Parse            -> 500 parse_error (stored data is malformed)
//	IO               -> 502 io_error (a backend is unreachable)
//	Internal, other  -> 500 internal_error
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status, errorType := http.StatusInternalServerError, "internal_error"
	switch appErr.Err {
	case apperror.ErrValidation:
		status, errorType = http.StatusBadRequest, "validation_error"
	case apperror.ErrNotFound:
		status, errorType = http.StatusNotFound, "not_found"
	case apperror.ErrForbidden:
		status, errorType = http.StatusForbidden, "forbidden"
	case apperror.ErrConflict:
		status, errorType = http.StatusConflict, "conflict"
	case apperror.ErrConcurrentUpdate:
		status, errorType = http.StatusConflict, "concurrent_update"
	case apperror.ErrPolicyViolation:
		status, errorType = http.StatusForbidden, "policy_violation"
	case apperror.ErrParse:
		status, errorType = http.StatusInternalServerError, "parse_error"
	case apperror.ErrIO:
		status, errorType = http.StatusBadGateway, "io_error"
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	return nil
}
