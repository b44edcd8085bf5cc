package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/records"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, "FORBIDDEN", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// RecordError renders a record-API error with its taxonomy status.
func RecordError(w http.ResponseWriter, err *records.Error) {
	status := err.Status()
	if status == http.StatusInternalServerError {
		log.Error().Err(err.Cause).Msg("Record API internal error")
		InternalError(w, "internal error")
		return
	}
	Error(w, status, codeForStatus(status), err.Message)
}

// AuthError maps the auth error taxonomy onto HTTP statuses.
func AuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken):
		Unauthorized(w, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		Forbidden(w, "forbidden")
	case errors.Is(err, auth.ErrConflict):
		Error(w, http.StatusConflict, "CONFLICT", "already exists")
	case errors.Is(err, auth.ErrNotFound):
		NotFound(w, "not found")
	case errors.Is(err, auth.ErrProviderNotFound):
		Error(w, http.StatusMethodNotAllowed, "PROVIDER_NOT_FOUND", "oauth provider not found")
	case errors.Is(err, auth.ErrTooManyRequests):
		Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	case errors.Is(err, auth.ErrBadRequest), errors.Is(err, auth.ErrPasswordAuthDisabled):
		BadRequest(w, err.Error())
	case errors.Is(err, auth.ErrFailedDependency):
		log.Error().Err(err).Msg("Upstream dependency failed")
		Error(w, http.StatusFailedDependency, "FAILED_DEPENDENCY", "upstream dependency failed")
	default:
		log.Error().Err(err).Msg("Auth internal error")
		InternalError(w, "internal error")
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	default:
		return "ERROR"
	}
}

// DecodeJSON reads a JSON request body with a size guard.
func DecodeJSON(r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(dst)
}
