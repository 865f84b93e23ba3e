// Package workspace implements the top-level orchestrator that reconciles
// a workspace's declared session configuration against live backend state:
// creating missing sessions, migrating legacy identifiers, provisioning
// worktrees, and mass-recovering after a backend reset.
package workspace

import "strings"

// Session is one declared session tracked in workspace configuration.
//
// ConfigID is the stable, user-facing identity of the logical session and
// is immutable for its entire life. ID is the live backend session id and
// may be replaced any number of times (e.g. after a backend reset) without
// the logical session losing identity; any component addressing a session
// by ConfigID must tolerate ID changing underneath it.
type Session struct {
	ID             string `json:"id,omitempty"`
	ConfigID       string `json:"config_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Role           string `json:"role"`
	Status         string `json:"status,omitempty"`
	WorktreePath   string `json:"worktree_path,omitempty"`
	MissingSession bool   `json:"missing_session,omitempty"`
}

// State is the declared configuration document for a workspace. It is
// read and written as one JSON document with last-write-wins semantics.
type State struct {
	Sessions           []Session `json:"sessions"`
	NextInstanceNumber int       `json:"next_instance_number"`
	// Active is set once a reconciliation run has completed for the
	// workspace, successfully or not.
	Active bool `json:"active,omitempty"`
}

// AllMissing reports whether every tracked session is simultaneously
// flagged as missing — the mass-recovery trigger after a backend reset.
func (s *State) AllMissing() bool {
	if len(s.Sessions) == 0 {
		return false
	}
	for _, sess := range s.Sessions {
		if !sess.MissingSession {
			return false
		}
	}
	return true
}

// FindByConfigID returns a pointer to the session with the given config
// id, or nil.
func (s *State) FindByConfigID(configID string) *Session {
	for i := range s.Sessions {
		if s.Sessions[i].ConfigID == configID {
			return &s.Sessions[i]
		}
	}
	return nil
}

// displayName returns the session's display name, falling back to its
// config id.
func displayName(sess Session) string {
	if sess.DisplayName != "" {
		return sess.DisplayName
	}
	return strings.TrimSpace(sess.ConfigID)
}
