// Package apperr defines the typed application error used across the
// dispatch engine and the HTTP control plane.
package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Type categorizes an error for logging, metrics, and HTTP status mapping.
type Type string

const (
	TypeValidation  Type = "validation"
	TypeNotFound    Type = "not_found"
	TypeConflict    Type = "conflict"
	TypePersistence Type = "persistence"
	TypeBroker      Type = "broker"
	TypeAdapter     Type = "adapter"
	TypeInternal    Type = "internal"
	TypeRateLimit   Type = "rate_limit"
)

// AppError is a structured error carrying enough context to both log
// usefully and answer an HTTP caller without leaking internals.
type AppError struct {
	Type          Type                   `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
	HTTPStatus    int                    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) ToJSON() ([]byte, error) { return json.Marshal(e) }

func New(t Type, code, message string) *AppError {
	return &AppError{
		Type:       t,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: defaultHTTPStatus(t),
	}
}

func NewWithCause(t Type, code, message string, cause error) *AppError {
	e := New(t, code, message)
	e.Cause = cause
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

func defaultHTTPStatus(t Type) int {
	switch t {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypePersistence, TypeBroker, TypeInternal, TypeAdapter:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Constructors for the error kinds the system surfaces.

func NewValidationError(field, message string) *AppError {
	return New(TypeValidation, "VALIDATION_ERROR", message).WithMetadata("field", field)
}

func NewNotFoundError(resource string) *AppError {
	return New(TypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

func NewConflictError(message string) *AppError {
	return New(TypeConflict, "CONFLICT", message)
}

func NewPersistenceError(operation string, cause error) *AppError {
	return NewWithCause(TypePersistence, "PERSISTENCE_ERROR",
		fmt.Sprintf("persistence operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewBrokerError(operation string, cause error) *AppError {
	return NewWithCause(TypeBroker, "BROKER_ERROR",
		fmt.Sprintf("broker operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewAdapterError(channel, code, message string) *AppError {
	return New(TypeAdapter, code, message).WithMetadata("channel", channel)
}

func NewInternalError(message string, cause error) *AppError {
	return NewWithCause(TypeInternal, "INTERNAL_ERROR", message, cause)
}

func NewRateLimitError(limit int, window string) *AppError {
	return New(TypeRateLimit, "RATE_LIMIT_EXCEEDED", "rate limit exceeded").
		WithMetadata("limit", limit).
		WithMetadata("window", window)
}

func IsType(err error, t Type) bool {
	if ae, ok := err.(*AppError); ok {
		return ae.Type == t
	}
	return false
}

func GetType(err error) (Type, bool) {
	if ae, ok := err.(*AppError); ok {
		return ae.Type, true
	}
	return "", false
}

func GetCorrelationID(err error) string {
	if ae, ok := err.(*AppError); ok {
		return ae.CorrelationID
	}
	return ""
}
