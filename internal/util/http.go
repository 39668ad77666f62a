package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"authdesk/internal/apperr"
)

const maxBodyBytes = 1 << 20

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}

// StatusFor maps an error kind to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest, "validation_error"
	case apperr.ErrAuthFailed:
		return http.StatusUnauthorized, "unauthorized"
	case apperr.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case apperr.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case apperr.ErrAlreadyExists:
		return http.StatusConflict, "already_exists"
	case apperr.ErrConflict:
		return http.StatusConflict, "conflict"
	case apperr.ErrRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case apperr.ErrUnavailable:
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteServiceError writes err using its kind. Internal failures are logged
// with their cause and reported with a generic message.
func WriteServiceError(w http.ResponseWriter, logger *slog.Logger, err error, reqID string) {
	status, code := StatusFor(err)
	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "request_id", reqID, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	WriteError(w, status, code, msg, reqID)
}

// DecodeJSON reads a single JSON object from the request body into out.
func DecodeJSON(r *http.Request, out any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return apperr.Validation("content type must be application/json")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
