// Package errors provides centralized error definitions and error handling
// utilities for the Loom codebase. It defines a structured error taxonomy for
// backend and version-control failures, a classifier that normalizes raw
// backend error text into that taxonomy, and helpers that drive retry and
// circuit-breaker decisions.
//
// # Structured Errors
//
// Every failure that crosses a component boundary is represented as a
// *StructuredError carrying a Domain (the primary retry/escalation signal),
// a stable Code, a Recoverable flag, and an optional human-actionable
// RecoveryHint.
//
// Creating errors:
//
//	err := errors.NewStructured(errors.DomainTransport, "server_down",
//	    "tmux server is not running").
//	    WithHint("restart the backend with 'loom up'")
//
// Classifying raw failures:
//
//	serr := errors.Classify(rawErr)
//	if errors.ShouldTripBreaker(serr) { ... }
//
// Checking errors:
//
//	var serr *errors.StructuredError
//	if errors.As(err, &serr) && serr.Recoverable { ... }
package errors

import (
	"errors"
	"fmt"
	"sort"
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

// Domain identifies the subsystem a failure originated from. It is the
// primary signal for retry pacing and breaker escalation: domain-wide
// failures (Transport, ProcessHost, Internal) trip the circuit breaker,
// resource-scoped failures do not.
type Domain int

const (
	// DomainTransport covers failures reaching the backend at all:
	// server not running, socket gone, protocol mismatch.
	DomainTransport Domain = iota
	// DomainProcessHost covers failures of the backend's underlying
	// session-host process (pane process dead, server crashed mid-call).
	DomainProcessHost
	// DomainVersionControl covers git failures: dirty state, conflicts,
	// worktree and branch collisions.
	DomainVersionControl
	// DomainFilesystem covers permission, not-found and disk-full failures.
	DomainFilesystem
	// DomainResource covers single-resource terminal failures: unknown
	// session id, session already exists, inconsistent pane state.
	DomainResource
	// DomainInternal covers assertion and invariant violations. Internal
	// errors are never recoverable.
	DomainInternal
)

// String returns the string representation of the domain.
func (d Domain) String() string {
	switch d {
	case DomainTransport:
		return "transport"
	case DomainProcessHost:
		return "process_host"
	case DomainVersionControl:
		return "version_control"
	case DomainFilesystem:
		return "filesystem"
	case DomainResource:
		return "resource"
	case DomainInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across the codebase.
var (
	// ErrSessionNotFound indicates that a backend session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionExists indicates that a backend session already exists.
	ErrSessionExists = New("session already exists")
	// ErrBackendUnavailable indicates that the backend server is unreachable.
	ErrBackendUnavailable = New("backend unavailable")
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrUnbornHead indicates the repository has no commits yet.
	ErrUnbornHead = New("repository has no commits")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
)

// StructuredError is a classified, machine-actionable representation of a
// raw failure. It is immutable by convention: produced once per failure via
// NewStructured or Classify and never mutated afterwards (the With* builders
// are for construction only).
type StructuredError struct {
	Domain      Domain
	Code        string
	Message     string
	Recoverable bool
	// RecoveryHint is an optional human-actionable remediation, safe to
	// surface directly to users.
	RecoveryHint string
	// Details carries structured context (session id, path, branch).
	Details map[string]string

	cause error
}

// NewStructured creates a new StructuredError. Recoverability defaults to
// false; use WithRecoverable during construction to override.
func NewStructured(domain Domain, code, message string) *StructuredError {
	return &StructuredError{
		Domain:  domain,
		Code:    code,
		Message: message,
	}
}

// WithCause attaches the underlying error.
func (e *StructuredError) WithCause(cause error) *StructuredError {
	e.cause = cause
	return e
}

// WithRecoverable marks the error as recoverable.
func (e *StructuredError) WithRecoverable() *StructuredError {
	e.Recoverable = true
	return e
}

// WithHint attaches a human-actionable recovery hint.
func (e *StructuredError) WithHint(hint string) *StructuredError {
	e.RecoveryHint = hint
	return e
}

// WithDetail attaches a structured context key/value pair.
func (e *StructuredError) WithDetail(key, value string) *StructuredError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Clone returns a copy safe to annotate with the With* builders without
// mutating the original. The Details map is copied; the cause is shared.
func (e *StructuredError) Clone() *StructuredError {
	dup := *e
	if e.Details != nil {
		dup.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			dup.Details[k] = v
		}
	}
	return &dup
}

// Error returns the formatted error message, including any structured
// details in deterministic key order.
func (e *StructuredError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s error [%s]: %s", e.Domain, e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Details[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error or its cause.
func (e *StructuredError) Is(target error) bool {
	if other, ok := target.(*StructuredError); ok {
		return e.Domain == other.Domain && e.Code == other.Code
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}
