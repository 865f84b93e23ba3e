package backend

import (
	"testing"

	"github.com/rjwalters/loom/internal/errors"
)

func TestSessionID(t *testing.T) {
	tests := []struct {
		name           string
		displayName    string
		instanceNumber int
		want           string
	}{
		{"simple name", "builder", 1, "loom-builder-1"},
		{"uppercase folded", "Builder", 2, "loom-builder-2"},
		{"spaces and punctuation collapsed", "code reviewer #2", 3, "loom-code-reviewer-2-3"},
		{"unicode stripped", "générateur", 4, "loom-g-n-rateur-4"},
		{"empty name falls back", "", 5, "loom-session-5"},
		{"only punctuation falls back", "!!!", 6, "loom-session-6"},
		{"underscores kept", "my_agent", 7, "loom-my_agent-7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SessionID(tc.displayName, tc.instanceNumber); got != tc.want {
				t.Errorf("SessionID(%q, %d) = %q, want %q", tc.displayName, tc.instanceNumber, got, tc.want)
			}
		})
	}
}

func TestSessionID_DistinctAcrossInstanceNumbers(t *testing.T) {
	// Recreating a session must never produce the id of its predecessor.
	if SessionID("builder", 1) == SessionID("builder", 2) {
		t.Error("identical ids across instance numbers")
	}
}

func TestClassify_AttachesSessionID(t *testing.T) {
	err := classify(errors.New("can't find session: loom-builder-1"), "loom-builder-1")

	var serr *errors.StructuredError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want structured error", err)
	}
	if serr.Code != "session_not_found" {
		t.Errorf("code = %q, want session_not_found", serr.Code)
	}
	if serr.Details["session_id"] != "loom-builder-1" {
		t.Errorf("session_id detail = %q, want loom-builder-1", serr.Details["session_id"])
	}
}

func TestClassify_DoesNotMutateStructuredInput(t *testing.T) {
	original := errors.NewStructured(errors.DomainResource, "session_not_found",
		"no such session").WithDetail("path", "/repo")

	err := classify(original, "loom-builder-1")

	var serr *errors.StructuredError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want structured error", err)
	}
	if serr.Details["session_id"] != "loom-builder-1" {
		t.Errorf("session_id detail = %q, want loom-builder-1", serr.Details["session_id"])
	}
	if _, ok := original.Details["session_id"]; ok {
		t.Error("classify annotated the caller's error in place")
	}
	if original.Details["path"] != "/repo" {
		t.Errorf("original details changed: %v", original.Details)
	}
}

func TestClassify_Nil(t *testing.T) {
	if err := classify(nil, "loom-builder-1"); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestNewTmuxClient_Defaults(t *testing.T) {
	c := NewTmuxClient(TmuxOptions{})

	if c.socket != SocketName {
		t.Errorf("socket = %q, want %q", c.socket, SocketName)
	}
	if c.width != 200 || c.height != 50 {
		t.Errorf("dimensions = %dx%d, want 200x50", c.width, c.height)
	}
	if c.historyLimit != 10000 {
		t.Errorf("history limit = %d, want 10000", c.historyLimit)
	}
}
