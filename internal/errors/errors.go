// Package errors provides centralized error definitions and error handling
// utilities for the codev codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and
// error classification helpers.
//
// Fatal CLI errors carry a Remediation: the exact follow-up command the
// operator should run. The tool is operated interactively by humans debugging
// a multi-process system, so "what to do next" is part of the error contract,
// not decoration.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// State-store sentinel errors
var (
	// ErrBuilderNotFound indicates that a builder record could not be found.
	ErrBuilderNotFound = New("builder not found")
	// ErrUtilNotFound indicates that a utility shell record could not be found.
	ErrUtilNotFound = New("utility shell not found")
	// ErrAnnotationNotFound indicates that an annotation record could not be found.
	ErrAnnotationNotFound = New("annotation not found")
	// ErrArchitectNotRunning indicates no architect session is recorded.
	ErrArchitectNotRunning = New("architect not running")
	// ErrArchitectRunning indicates an architect session already exists.
	ErrArchitectRunning = New("architect already running")
)

// Port registry sentinel errors
var (
	// ErrRegistryUnavailable indicates the port registry database cannot be
	// opened. Allocation must fail rather than proceed with an unregistered,
	// possibly colliding port.
	ErrRegistryUnavailable = New("port registry unavailable")
	// ErrNoFreePort indicates no free port was found in the scanned range.
	ErrNoFreePort = New("no free port in range")
	// ErrPortReserved indicates another spawner reserved the port first.
	// The loser of the race rescans for a different port.
	ErrPortReserved = New("port already reserved")
)

// Worktree sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
)

// Spawn sentinel errors
var (
	// ErrNoSpawnMode indicates no mode-selecting flag was supplied.
	ErrNoSpawnMode = New("no spawn mode selected")
	// ErrMultipleSpawnModes indicates more than one mode-selecting flag was supplied.
	ErrMultipleSpawnModes = New("multiple spawn modes selected")
	// ErrIssueClaimed indicates another agent appears to be working the issue.
	ErrIssueClaimed = New("issue appears to be claimed")
)

// Session/process sentinel errors
var (
	// ErrSessionNotFound indicates a tmux session does not exist.
	ErrSessionNotFound = New("tmux session not found")
	// ErrProcessNotReady indicates a spawned server never became reachable.
	ErrProcessNotReady = New("process did not become ready")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Fatal errors with remediation
// -----------------------------------------------------------------------------

// FatalError is a user-facing fatal error that optionally carries the exact
// command the operator should run to remediate the condition.
type FatalError struct {
	Message     string
	Cause       error
	Remediation string
}

// NewFatal creates a FatalError wrapping cause.
func NewFatal(message string, cause error) *FatalError {
	return &FatalError{Message: message, Cause: cause}
}

// WithRemediation attaches a follow-up command to the error.
func (e *FatalError) WithRemediation(cmd string) *FatalError {
	e.Remediation = cmd
	return e
}

// Error returns the formatted error message, including the remediation
// command when present.
func (e *FatalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, "\n  run: %s", e.Remediation)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError indicates a resource could not be found.
type NotFoundError struct {
	Resource string
	ID       string
	cause    error
}

// NewNotFoundError creates a NotFoundError for the given resource and ID.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// WithCause attaches an underlying cause.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Unwrap returns the underlying cause, if any.
func (e *NotFoundError) Unwrap() error { return e.cause }

// Is reports whether target is a NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError indicates invalid user input. Validation errors are always
// reported before any filesystem or process side effect occurs.
type ValidationError struct {
	Field   string
	Message string
	cause   error
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message, cause: ErrInvalidInput}
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Unwrap returns ErrInvalidInput so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error { return e.cause }

// Is reports whether target is a ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// TimeoutError indicates a bounded wait elapsed without the expected
// condition. "Still not ready" is always treated as failure, never success.
type TimeoutError struct {
	Operation string
	cause     error
}

// NewTimeoutError creates a TimeoutError for the named operation.
func NewTimeoutError(operation string) *TimeoutError {
	return &TimeoutError{Operation: operation, cause: ErrTimeout}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// Unwrap returns ErrTimeout so callers can match with errors.Is.
func (e *TimeoutError) Unwrap() error { return e.cause }

// -----------------------------------------------------------------------------
// Classification helpers
// -----------------------------------------------------------------------------

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if As(err, &nf) {
		return true
	}
	return Is(err, ErrBuilderNotFound) ||
		Is(err, ErrUtilNotFound) ||
		Is(err, ErrAnnotationNotFound) ||
		Is(err, ErrSessionNotFound)
}

// IsValidation reports whether err indicates bad user input.
func IsValidation(err error) bool {
	var ve *ValidationError
	if As(err, &ve) {
		return true
	}
	return Is(err, ErrInvalidInput) ||
		Is(err, ErrNoSpawnMode) ||
		Is(err, ErrMultipleSpawnModes)
}

// IsTimeout reports whether err indicates a bounded wait that elapsed.
func IsTimeout(err error) bool {
	return Is(err, ErrTimeout)
}
