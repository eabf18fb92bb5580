// Package errors provides the consolidated error definitions for capstore.
//
// This file provides:
// - Sentinel errors for all error conditions in the storage write path
// - Error category checking functions
// - Error wrapping utilities
// - A ValidationErrors collector for all-or-nothing config updates
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Buffer pool errors
	ErrPoolExhausted  = errors.New("buffer pool exhausted")
	ErrBufferTooLarge = errors.New("requested size exceeds slot size")
	ErrStaleHandle    = errors.New("stale buffer handle")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")

	// Device / queue pair errors
	ErrQueueFull      = errors.New("submission queue full")
	ErrDeviceError    = errors.New("device error")
	ErrDeviceDegraded = errors.New("device degraded")
	ErrDeviceNotFound = errors.New("device not found")

	// Index / lifecycle errors
	ErrIndexFull       = errors.New("index full")
	ErrEntryNotFound   = errors.New("index entry not found")
	ErrDeletionError   = errors.New("deletion error")
	ErrSnapshotInvalid = errors.New("invalid snapshot token")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("service not running")
	ErrAlreadyRunning    = errors.New("service already running")
	ErrShuttingDown      = errors.New("service shutting down")

	// Fatal conditions
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// Journal errors
	ErrCorruptRecord = errors.New("corrupt journal record")
	ErrJournalClosed = errors.New("journal closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsRecoverable returns true if the caller can continue after applying its
// own drop or retry policy. These errors never indicate data corruption.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrIndexFull) ||
		errors.Is(err, ErrDeletionError)
}

// IsRetriable returns true if the operation may succeed on a later attempt.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrDeviceError)
}

// IsValidation returns true if err is a configuration validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a state-machine related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrShuttingDown)
}

// IsFatal returns true if err must escalate to the orchestrator rather than
// being handled locally by a leaf component.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResourceExhaustion)
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

// ============================================================================
// Error constructors with context
// ============================================================================

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

// NewDeviceError creates a device error with context.
func NewDeviceError(device string, cause error) error {
	return fmt.Errorf("device '%s': %v: %w", device, cause, ErrDeviceError)
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

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
