package errors

import (
	"context"
	"testing"
	"time"
)

func TestClassify_RuleTable(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		wantDomain      Domain
		wantCode        string
		wantRecoverable bool
	}{
		{
			name:            "tmux server down",
			input:           "tmux new-session: no server running on /tmp/tmux-1000/loom",
			wantDomain:      DomainTransport,
			wantCode:        "server_down",
			wantRecoverable: true,
		},
		{
			name:            "daemon not running",
			input:           "Daemon not running",
			wantDomain:      DomainTransport,
			wantCode:        "server_down",
			wantRecoverable: true,
		},
		{
			name:            "socket connect failure",
			input:           "error connecting to /tmp/tmux-1000/loom (No such file or directory)",
			wantDomain:      DomainTransport,
			wantCode:        "connect_failed",
			wantRecoverable: true,
		},
		{
			name:            "host process lost",
			input:           "lost server",
			wantDomain:      DomainProcessHost,
			wantCode:        "host_lost",
			wantRecoverable: true,
		},
		{
			name:            "session missing",
			input:           "can't find session: loom-builder-3",
			wantDomain:      DomainResource,
			wantCode:        "session_not_found",
			wantRecoverable: true,
		},
		{
			name:            "duplicate session",
			input:           "duplicate session: loom-builder-3",
			wantDomain:      DomainResource,
			wantCode:        "session_exists",
			wantRecoverable: true,
		},
		{
			name:            "not a repository",
			input:           "fatal: not a git repository (or any of the parent directories): .git",
			wantDomain:      DomainVersionControl,
			wantCode:        "not_a_repository",
			wantRecoverable: false,
		},
		{
			name:            "permission denied",
			input:           "mkdir /srv/repo/.loom: permission denied",
			wantDomain:      DomainFilesystem,
			wantCode:        "permission_denied",
			wantRecoverable: false,
		},
		{
			name:            "mutex poisoned",
			input:           "internal: mutex poisoned",
			wantDomain:      DomainInternal,
			wantCode:        "invariant_violation",
			wantRecoverable: false,
		},
		{
			name:            "unmatched input",
			input:           "something nobody has seen before",
			wantDomain:      DomainInternal,
			wantCode:        "unclassified",
			wantRecoverable: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(New(tc.input))
			if got.Domain != tc.wantDomain {
				t.Errorf("Domain = %v, want %v", got.Domain, tc.wantDomain)
			}
			if got.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tc.wantCode)
			}
			if got.Recoverable != tc.wantRecoverable {
				t.Errorf("Recoverable = %v, want %v", got.Recoverable, tc.wantRecoverable)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	err := New("no server running on /tmp/tmux-1000/loom")
	first := Classify(err)
	second := Classify(err)

	if first.Domain != second.Domain || first.Code != second.Code || first.Recoverable != second.Recoverable {
		t.Errorf("Classify is not deterministic: %+v vs %+v", first, second)
	}
}

func TestClassify_StructuredPassThrough(t *testing.T) {
	orig := NewStructured(DomainResource, "session_exists", "duplicate").WithRecoverable()

	got := Classify(orig)
	if got != orig {
		t.Errorf("already-structured error should pass through unchanged")
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassify_ContextCancellation(t *testing.T) {
	got := Classify(context.Canceled)
	if got.Domain != DomainInternal || got.Code != "canceled" {
		t.Errorf("Classify(context.Canceled) = %v/%q", got.Domain, got.Code)
	}
	if !got.Recoverable {
		t.Errorf("cancellation should be recoverable")
	}
}

func TestShouldTripBreaker(t *testing.T) {
	tests := []struct {
		domain Domain
		want   bool
	}{
		{DomainTransport, true},
		{DomainProcessHost, true},
		{DomainInternal, true},
		{DomainVersionControl, false},
		{DomainFilesystem, false},
		{DomainResource, false},
	}

	for _, tc := range tests {
		err := NewStructured(tc.domain, "code", "msg")
		if got := ShouldTripBreaker(err); got != tc.want {
			t.Errorf("ShouldTripBreaker(%v) = %v, want %v", tc.domain, got, tc.want)
		}
	}

	if ShouldTripBreaker(nil) {
		t.Errorf("ShouldTripBreaker(nil) = true, want false")
	}
}

func TestDefaultRetryDelay(t *testing.T) {
	if d := DefaultRetryDelay(DomainTransport); d != 2*time.Second {
		t.Errorf("transport delay = %v", d)
	}
	if d := DefaultRetryDelay(DomainResource); d != 500*time.Millisecond {
		t.Errorf("resource delay = %v", d)
	}
	if d := DefaultRetryDelay(DomainInternal); d != 0 {
		t.Errorf("internal delay = %v, want 0 (not retried)", d)
	}
}

func TestStructuredError_Error(t *testing.T) {
	err := NewStructured(DomainResource, "session_not_found", "no such session").
		WithDetail("session_id", "loom-builder-3").
		WithDetail("attempt", "2")

	want := `resource error [session_not_found]: no such session (attempt=2, session_id=loom-builder-3)`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStructuredError_Is(t *testing.T) {
	cause := New("underlying")
	err := NewStructured(DomainTransport, "server_down", "down").WithCause(cause)

	if !Is(err, cause) {
		t.Errorf("Is should match the wrapped cause")
	}
	if !Is(err, NewStructured(DomainTransport, "server_down", "other text")) {
		t.Errorf("Is should match same domain and code")
	}
	if Is(err, NewStructured(DomainTransport, "connect_failed", "down")) {
		t.Errorf("Is should not match a different code")
	}
}
