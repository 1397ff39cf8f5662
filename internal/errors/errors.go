// Package errors holds the error taxonomy shared by every peebot component.
//
// This file provides:
// - Wire protocol error codes for the admin injection boundary
// - Sentinel errors grouped by category
// - Category checking functions (validation, transient, duplicate, detector, action)
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - used in admin outcome messages
// ============================================================================

const (
	CodeUnknown         int32 = 1
	CodeAuthFailed      int32 = 2
	CodeInvalidRequest  int32 = 3
	CodeRejected        int32 = 4
	CodeDuplicate       int32 = 5
	CodeUnavailable     int32 = 6
	CodeTimeout         int32 = 7
	CodeInternal        int32 = 8
	CodeDetectorFailure int32 = 9
	CodeActionFailure   int32 = 10
	CodeRateLimited     int32 = 11
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeRejected:
		return "Rejected"
	case CodeDuplicate:
		return "Duplicate"
	case CodeUnavailable:
		return "Unavailable"
	case CodeTimeout:
		return "Timeout"
	case CodeInternal:
		return "Internal"
	case CodeDetectorFailure:
		return "DetectorFailure"
	case CodeActionFailure:
		return "ActionFailure"
	case CodeRateLimited:
		return "RateLimited"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors
	ErrNotFound           = errors.New("not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrDetectorNotFound   = errors.New("detector not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Validation errors: bad input, never retried
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrInactiveChannel    = errors.New("inactive channel")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrValueOutOfRange    = errors.New("value out of range")
	ErrStaleReading       = errors.New("reading older than dedup window")
	ErrFutureReading      = errors.New("reading too far in the future")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidInterval    = errors.New("invalid interval")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingField       = errors.New("missing required field")

	// Transient store errors: retried with bounded backoff
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrBusy             = errors.New("store busy")
	ErrConnectionFailed = errors.New("connection failed")

	// Duplicate: absorbed as success at every boundary
	ErrDuplicate = errors.New("duplicate")

	// Detection errors
	ErrDetector  = errors.New("detector failure")
	ErrLockHeld  = errors.New("run-lock held by another holder")
	ErrLeaseLost = errors.New("run-lock lease lost")

	// Action errors
	ErrAction           = errors.New("action failure")
	ErrAlreadyActioned  = errors.New("event already actioned")
	ErrActionSuppressed = errors.New("action suppressed by cooldown")

	// Admin boundary errors
	ErrInvalidToken = errors.New("invalid token")
	ErrRateLimited  = errors.New("rate limited")

	// Lifecycle errors
	ErrNotRunning     = errors.New("not running")
	ErrAlreadyRunning = errors.New("already running")
	ErrClosed         = errors.New("closed")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrDetectorNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownChannel) ||
		errors.Is(err, ErrInactiveChannel) ||
		errors.Is(err, ErrMalformedTimestamp) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrStaleReading) ||
		errors.Is(err, ErrFutureReading) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsTransient returns true if err is a transient store error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsDuplicate returns true if err reports an already-present row.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsDetector returns true if err is a detector failure.
func IsDetector(err error) bool {
	return errors.Is(err, ErrDetector)
}

// IsAction returns true if err is a downstream action failure.
func IsAction(err error) bool {
	return errors.Is(err, ErrAction)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return IsTransient(err) || errors.Is(err, ErrAction)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrRateLimited):
		return CodeRateLimited
	case IsDuplicate(err):
		return CodeDuplicate
	case Is(err, ErrInvalidConfig), Is(err, ErrMissingField), Is(err, ErrInvalidName):
		return CodeInvalidRequest
	case IsValidation(err):
		return CodeRejected
	case Is(err, ErrTimeout):
		return CodeTimeout
	case IsTransient(err):
		return CodeUnavailable
	case IsDetector(err):
		return CodeDetectorFailure
	case IsAction(err):
		return CodeActionFailure
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeRejected:
		return ErrInvalidConfig
	case CodeDuplicate:
		return ErrDuplicate
	case CodeUnavailable:
		return ErrStoreUnavailable
	case CodeTimeout:
		return ErrTimeout
	case CodeDetectorFailure:
		return ErrDetector
	case CodeActionFailure:
		return ErrAction
	case CodeRateLimited:
		return ErrRateLimited
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Mark attaches a category sentinel to err while keeping err in the chain.
// Both errors.Is(result, sentinel) and errors.Is(result, err) hold.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
