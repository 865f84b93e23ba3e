package errors

import (
	"context"
	"errors"
	"strings"
	"time"
)

// classifyRule maps a backend error-text fragment to a structured
// classification. Rules are evaluated in order; the first match wins.
//
// The substring table mirrors the error strings tmux and git actually emit.
// It is the documented fallback for the untyped text channel: errors that
// are already *StructuredError bypass the table entirely.
type classifyRule struct {
	substrings  []string
	domain      Domain
	code        string
	recoverable bool
	hint        string
}

var classifyRules = []classifyRule{
	// Transport: the backend server itself is unreachable.
	{
		substrings:  []string{"no server running", "daemon not running"},
		domain:      DomainTransport,
		code:        "server_down",
		recoverable: true,
		hint:        "restart the backend server",
	},
	{
		substrings:  []string{"error connecting to", "connection refused"},
		domain:      DomainTransport,
		code:        "connect_failed",
		recoverable: true,
		hint:        "check that the backend socket exists and is accessible",
	},
	{
		substrings:  []string{"protocol version mismatch", "server exited unexpectedly"},
		domain:      DomainTransport,
		code:        "protocol_mismatch",
		recoverable: true,
		hint:        "kill the stale backend server and retry",
	},
	// ProcessHost: the hosted process is gone but the server answered.
	{
		substrings:  []string{"lost server", "server crashed", "pane dead", "no current client"},
		domain:      DomainProcessHost,
		code:        "host_lost",
		recoverable: true,
		hint:        "recreate the session",
	},
	// Resource: a single session is missing or colliding.
	{
		substrings:  []string{"can't find session", "session not found", "no such session", "can't find pane"},
		domain:      DomainResource,
		code:        "session_not_found",
		recoverable: true,
	},
	{
		substrings:  []string{"duplicate session", "already exists"},
		domain:      DomainResource,
		code:        "session_exists",
		recoverable: true,
		hint:        "destroy the existing session first",
	},
	// VersionControl
	{
		substrings:  []string{"not a git repository"},
		domain:      DomainVersionControl,
		code:        "not_a_repository",
		recoverable: false,
		hint:        "run 'git init' or point Loom at a repository root",
	},
	{
		substrings:  []string{"merge conflict", "conflict"},
		domain:      DomainVersionControl,
		code:        "conflict",
		recoverable: false,
		hint:        "resolve conflicts manually",
	},
	// Filesystem
	{
		substrings:  []string{"permission denied", "operation not permitted"},
		domain:      DomainFilesystem,
		code:        "permission_denied",
		recoverable: false,
		hint:        "check directory ownership and permissions",
	},
	{
		substrings:  []string{"no space left on device"},
		domain:      DomainFilesystem,
		code:        "disk_full",
		recoverable: false,
		hint:        "free up disk space",
	},
	{
		substrings:  []string{"no such file or directory"},
		domain:      DomainFilesystem,
		code:        "not_found",
		recoverable: false,
	},
	// Internal
	{
		substrings:  []string{"mutex poisoned", "poisoned lock", "invariant violated", "panic"},
		domain:      DomainInternal,
		code:        "invariant_violation",
		recoverable: false,
	},
}

// Classify maps a raw backend or version-control failure into a
// StructuredError. It is pure and deterministic: the same input always
// yields the same classification. Errors that are already structured pass
// through unchanged; context cancellation is classified as a recoverable
// internal cancellation rather than a backend fault. Unmatched input falls
// back to DomainInternal, unrecoverable.
func Classify(err error) *StructuredError {
	if err == nil {
		return nil
	}

	var serr *StructuredError
	if errors.As(err, &serr) {
		return serr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewStructured(DomainInternal, "canceled", "operation canceled").
			WithCause(err).
			WithRecoverable()
	}

	text := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, sub := range rule.substrings {
			if strings.Contains(text, sub) {
				out := NewStructured(rule.domain, rule.code, err.Error()).WithCause(err)
				if rule.recoverable {
					out.Recoverable = true
				}
				if rule.hint != "" {
					out.RecoveryHint = rule.hint
				}
				return out
			}
		}
	}

	return NewStructured(DomainInternal, "unclassified", err.Error()).WithCause(err)
}

// ShouldTripBreaker reports whether a failure indicates a domain-wide
// outage that should count against the circuit breaker. Single-resource
// failures (one bad session, one colliding worktree) never trip the
// breaker: they say nothing about the health of the backend as a whole.
func ShouldTripBreaker(err *StructuredError) bool {
	if err == nil {
		return false
	}
	switch err.Domain {
	case DomainTransport, DomainProcessHost, DomainInternal:
		return true
	default:
		return false
	}
}

// DefaultRetryDelay returns the base backoff delay for retrying failures in
// the given domain. Transport-level outages back off longer than
// single-resource hiccups; internal errors are not retried at all, so their
// delay is zero.
func DefaultRetryDelay(domain Domain) time.Duration {
	switch domain {
	case DomainTransport:
		return 2 * time.Second
	case DomainProcessHost:
		return 3 * time.Second
	case DomainVersionControl:
		return time.Second
	case DomainFilesystem:
		return time.Second
	case DomainResource:
		return 500 * time.Millisecond
	default:
		return 0
	}
}
