// Package errors defines the structured application error that crosses the
// ingress boundary. Handlers translate AppError into JSON error bodies with
// a stable code, message and request id; everything beneath the boundary
// wraps with fmt.Errorf and %w.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorType categorizes application errors.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypeAuthorization   ErrorType = "authorization"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"
	ErrorTypeStore           ErrorType = "store"
	ErrorTypeBus             ErrorType = "bus"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeInternal        ErrorType = "internal"
)

// AppError is a structured application error.
type AppError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Cause      error `json:"-"`
	HTTPStatus int   `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithRequestID attaches the request correlation id.
func (e *AppError) WithRequestID(id string) *AppError {
	e.RequestID = id
	return e
}

// WithCause attaches the underlying error.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New creates an AppError with the default HTTP status for its type.
func New(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: defaultHTTPStatus(errorType),
	}
}

func defaultHTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeStore, ErrorTypeBus:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewValidation creates a 400 validation error.
func NewValidation(message string) *AppError {
	return New(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

// NewAuthentication creates a 401 error.
func NewAuthentication(message string) *AppError {
	return New(ErrorTypeAuthentication, "AUTH_ERROR", message)
}

// NewAuthorization creates a 403 error.
func NewAuthorization(message string) *AppError {
	return New(ErrorTypeAuthorization, "FORBIDDEN", message)
}

// NewNotFound creates a 404 error.
func NewNotFound(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

// NewConflict creates a 409 error.
func NewConflict(message string) *AppError {
	return New(ErrorTypeConflict, "CONFLICT", message)
}

// NewPayloadTooLarge creates a 413 error.
func NewPayloadTooLarge(message string) *AppError {
	return New(ErrorTypePayloadTooLarge, "PAYLOAD_TOO_LARGE", message)
}

// NewStoreUnavailable creates a 503 error for store failures.
func NewStoreUnavailable(cause error) *AppError {
	return New(ErrorTypeStore, "STORE_UNAVAILABLE", "notification store is unavailable").WithCause(cause)
}

// NewBusUnavailable creates a 503 error for bus failures.
func NewBusUnavailable(cause error) *AppError {
	return New(ErrorTypeBus, "BUS_UNAVAILABLE", "event bus is unavailable").WithCause(cause)
}

// NewInternal creates a 500 error.
func NewInternal(message string, cause error) *AppError {
	return New(ErrorTypeInternal, "INTERNAL_ERROR", message).WithCause(cause)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}
