// Package backend defines the interface to the session-hosting backend and
// provides a tmux-based implementation.
//
// Loom hosts each agent session in a detached tmux session on a dedicated
// socket, isolating Loom's sessions from the user's own tmux server. The
// Client interface abstracts the backend so orchestration code can be tested
// against a fake without a live tmux server.
package backend

import (
	"context"

	"github.com/rjwalters/loom/internal/errors"
)

// CreateRequest describes a session to create.
type CreateRequest struct {
	// ConfigID is the stable, user-facing identifier for the session.
	ConfigID string
	// Name is the display name used to derive the backend session id.
	Name string
	// WorkingDir is the directory the hosted process starts in.
	WorkingDir string
	// Role is the agent role for the session (e.g. "builder", "reviewer").
	Role string
	// InstanceNumber is the monotonic number assigned by the provisioner.
	// It is baked into the backend session id so recreated sessions never
	// collide with remnants of their predecessors.
	InstanceNumber int
}

// Output is a window of session output read from the backend.
type Output struct {
	// Bytes is the captured output since the requested offset.
	Bytes []byte
	// TotalByteCount is the total size of the session's output stream,
	// usable as the offset for the next read.
	TotalByteCount int
}

// Client is the interface to the session-hosting backend. All operations
// are request/response and may fail with backend-specific error text, which
// callers normalize through errors.Classify.
type Client interface {
	// Create provisions a new session and returns its backend-assigned id.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// Destroy tears down a session. Destroying a session that does not
	// exist returns a DomainResource error.
	Destroy(ctx context.Context, sessionID string) error

	// SendInput writes input bytes to the session's hosted process.
	SendInput(ctx context.Context, sessionID string, input []byte) error

	// ReadOutput captures session output. since is a byte offset into the
	// output stream; pass 0 to read the full available window.
	ReadOutput(ctx context.Context, sessionID string, since int) (Output, error)

	// Resize changes the session's terminal dimensions.
	Resize(ctx context.Context, sessionID string, cols, rows int) error

	// Exists reports whether the session is alive on the backend.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// classify routes a backend failure through the error classifier, attaching
// the session id for context.
func classify(err error, sessionID string) error {
	if err == nil {
		return nil
	}
	serr := errors.Classify(err)
	if sessionID != "" {
		// Classify passes already-structured errors through unchanged, so
		// annotate a copy rather than the caller's error.
		serr = serr.Clone().WithDetail("session_id", sessionID)
	}
	return serr
}

// classifyStructured classifies an error without attaching context, for
// callers that need to inspect the classification before deciding whether
// the failure is a failure at all.
func classifyStructured(err error) *errors.StructuredError {
	if err == nil {
		return nil
	}
	return errors.Classify(err)
}
