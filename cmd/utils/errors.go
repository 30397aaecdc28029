package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	KindValidation     = "validation_error"
	KindAuthentication = "authentication_error"
	KindForbidden      = "forbidden_error"
	KindNotFound       = "not_found_error"
	KindConflict       = "conflict_error"
	KindInvalidState   = "invalid_state_error"
)

// AppError is raised close to the violated invariant and surfaced to the
// caller as a structured response. No server-side retry happens on any of
// these.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
	status  int
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Status() int {
	return e.status
}

func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message, status: http.StatusBadRequest}
}

func Authentication(message string) *AppError {
	return &AppError{Kind: KindAuthentication, Message: message, status: http.StatusUnauthorized}
}

func Forbidden(message string) *AppError {
	return &AppError{Kind: KindForbidden, Message: message, status: http.StatusForbidden}
}

func NotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message, status: http.StatusNotFound}
}

func Conflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message, status: http.StatusConflict}
}

func InvalidState(message string) *AppError {
	return &AppError{Kind: KindInvalidState, Message: message, status: http.StatusConflict}
}

// WriteError maps an error onto its HTTP status and writes the structured
// body. Anything that is not an AppError becomes an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		log.Printf("internal error: %v", err)
		appErr = &AppError{Kind: "internal_error", Message: "Internal server error", status: http.StatusInternalServerError}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.status)
	json.NewEncoder(w).Encode(appErr)
}

// WriteJSON is the success-path counterpart of WriteError.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
