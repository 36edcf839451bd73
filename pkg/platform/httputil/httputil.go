// Package httputil writes JSON responses and maps errors onto HTTP status
// codes for the admin and health endpoints.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/sentinel"
)

// Code is the machine readable error identifier in error bodies.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnavailable  Code = "service_unavailable"
	CodeInternal     Code = "internal_error"
)

// Error is an error with an explicit response code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError creates an Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var statusByCode = map[Code]int{
	CodeBadRequest:   http.StatusBadRequest,
	CodeUnauthorized: http.StatusUnauthorized,
	CodeNotFound:     http.StatusNotFound,
	CodeConflict:     http.StatusConflict,
	CodeUnavailable:  http.StatusServiceUnavailable,
	CodeInternal:     http.StatusInternalServerError,
}

type errorBody struct {
	Error       Code   `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// WriteError maps err to a status and writes an error body. Internal errors
// never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	code, msg := classify(err)
	body := errorBody{Error: code}
	if code != CodeInternal {
		body.Description = msg
	}
	WriteJSON(w, statusByCode[code], body)
}

func classify(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, audit.ErrInvalidTransition),
		errors.Is(err, sentinel.ErrInvalidState):
		return CodeConflict, err.Error()
	case sentinel.Transient(err):
		return CodeUnavailable, "dependency unavailable"
	default:
		return CodeInternal, ""
	}
}
