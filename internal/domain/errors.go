package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Tool boundaries map these onto the wire error taxonomy
// via ClassOf; everything below a boundary wraps one of them.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrStateConflict = fmt.Errorf("state conflict")
	ErrUnavailable   = fmt.Errorf("unavailable")
	ErrRateLimited   = fmt.Errorf("rate limited")
	ErrInternal      = fmt.Errorf("internal error")
)

// Subsystem sentinels.
var (
	ErrUntrustedCaller   = fmt.Errorf("untrusted route caller: %w", ErrInvalidInput)
	ErrOriginMismatch    = fmt.Errorf("origin butler mismatch: %w", ErrInvalidInput)
	ErrButlerIneligible  = fmt.Errorf("butler not eligible: %w", ErrUnavailable)
	ErrCycleDetected     = fmt.Errorf("prerequisite cycle detected: %w", ErrInvalidInput)
	ErrMapLimitExceeded  = fmt.Errorf("mind map structural limit exceeded: %w", ErrInvalidInput)
	ErrApprovalDecided   = fmt.Errorf("action already decided: %w", ErrStateConflict)
	ErrDeliveryInFlight  = fmt.Errorf("delivery in flight: %w", ErrDuplicate)
	ErrModuleFailed      = fmt.Errorf("module previously failed: %w", ErrStateConflict)
	ErrProviderRejected  = fmt.Errorf("provider rejected delivery")
	ErrSpawnerNotReady   = fmt.Errorf("session spawner not ready: %w", ErrUnavailable)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Ingest.Accept")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error.
// Returns nil if err is nil, enabling: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorClass is the wire-level error class carried in envelope responses.
type ErrorClass string

const (
	ClassValidation    ErrorClass = "validation_error"
	ClassNotFound      ErrorClass = "not_found"
	ClassStateConflict ErrorClass = "state_conflict"
	ClassDuplicate     ErrorClass = "duplicate"
	ClassUnavailable   ErrorClass = "unavailable"
	ClassInternal      ErrorClass = "internal_error"
	ClassRateLimited   ErrorClass = "rate_limited"
)

// EnvelopeError is the {class, message, retryable} error shape embedded in
// route/notify responses.
type EnvelopeError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// ClassOf maps an error to its wire class.
func ClassOf(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ClassValidation
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrStateConflict):
		return ClassStateConflict
	case errors.Is(err, ErrDuplicate):
		return ClassDuplicate
	case errors.Is(err, ErrUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	default:
		return ClassInternal
	}
}

// Retryable reports whether a connector may retry the failed call.
// Only unavailable and rate_limited are retryable; idempotent acceptance
// makes the retry safe.
func Retryable(err error) bool {
	c := ClassOf(err)
	return c == ClassUnavailable || c == ClassRateLimited
}

// ToEnvelopeError normalizes any error into the wire shape. Internal errors
// carry a sanitized message so provider/DB details never leak to callers.
func ToEnvelopeError(err error) *EnvelopeError {
	var ee *EnvelopeError
	if errors.As(err, &ee) {
		return ee
	}
	class := ClassOf(err)
	msg := err.Error()
	if class == ClassInternal {
		msg = "internal error"
	}
	return &EnvelopeError{Class: class, Message: msg, Retryable: Retryable(err)}
}
