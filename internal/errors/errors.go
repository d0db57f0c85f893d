package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error values
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrMissingSignature    = errors.New("missing signature header")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrSecretNotConfigured = errors.New("webhook signing secret not configured")
	ErrStoreUnavailable    = errors.New("entitlement store unavailable")
	ErrEventInFlight       = errors.New("event is being processed by another delivery")
	ErrNotFound            = errors.New("not found")
)

// ErrorType is the failure category. It decides whether the caller (or the
// payment provider) should retry.
type ErrorType string

const (
	// ErrorTypeRejection covers malformed or unauthenticated input. Never retried.
	ErrorTypeRejection ErrorType = "rejection"
	// ErrorTypeConfiguration is a server misconfiguration. Retried once fixed.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeTransient is a store read/write failure.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeInFlight means another delivery holds the event claim.
	ErrorTypeInFlight ErrorType = "in_flight"
	// ErrorTypeNotFound is a missing record addressed directly by ID.
	ErrorTypeNotFound ErrorType = "not_found"
)

// BillingError is a categorized error carrying the failed operation name.
type BillingError struct {
	Type      ErrorType
	Op        string
	Err       error
	Retryable bool
}

func (e *BillingError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrStoreUnavailable:
		return e.Type == ErrorTypeTransient
	case ErrEventInFlight:
		return e.Type == ErrorTypeInFlight
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	}
	return errors.Is(e.Err, target)
}

// New creates a BillingError of the given type.
func New(errorType ErrorType, op string, err error) *BillingError {
	return &BillingError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Retryable: isRetryable(errorType),
	}
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeRejection, ErrorTypeNotFound:
		return false
	default:
		return true
	}
}

// Rejection wraps err as permanently rejected input.
func Rejection(op string, err error) error {
	return New(ErrorTypeRejection, op, err)
}

// Transient wraps a store failure.
func Transient(op string, err error) error {
	return New(ErrorTypeTransient, op, err)
}

// Configuration wraps a server misconfiguration.
func Configuration(op string, err error) error {
	return New(ErrorTypeConfiguration, op, err)
}

// InFlight reports a concurrently claimed event.
func InFlight(op string, err error) error {
	return New(ErrorTypeInFlight, op, err)
}

// NotFound reports a missing record.
func NotFound(op string, err error) error {
	return New(ErrorTypeNotFound, op, err)
}

// TypeOf returns the category of err. Uncategorized errors are transient.
func TypeOf(err error) ErrorType {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Type
	}
	return ErrorTypeTransient
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return true
}

// HTTPStatus maps err to the response status seen by the caller: 4xx stops
// provider redelivery, 5xx triggers it.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch TypeOf(err) {
	case ErrorTypeRejection:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeInFlight:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
