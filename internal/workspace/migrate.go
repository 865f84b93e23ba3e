package workspace

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Legacy identifier schemes replaced by the stable index-based scheme:
//
//   - dual-id:      "builder#2" (name plus instance number)
//   - migrated UUID: a raw UUID carried over from an older config format
//   - placeholder:   "" or "pending", written before the first provision
//
// Migration is one-time and idempotent: an id already in stable form is
// never re-derived, so re-running reconciliation cannot drift ids.

// stableIDPattern matches the stable index-based config id scheme.
var stableIDPattern = regexp.MustCompile(`^session-\d+$`)

// placeholderID is the sentinel written by older versions before a
// session's first provision.
const placeholderID = "pending"

// IsStableConfigID reports whether id is already in the stable scheme.
func IsStableConfigID(id string) bool {
	return stableIDPattern.MatchString(id)
}

// isLegacyConfigID reports whether id uses one of the legacy schemes.
func isLegacyConfigID(id string) bool {
	if id == "" || id == placeholderID {
		return true
	}
	if strings.Contains(id, "#") {
		return true
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return false
}

// MigrateLegacyIDs rewrites legacy config ids to the stable index-based
// scheme, deriving each id from the session's position in the declared
// list. Stable ids are left untouched. Returns true if anything changed.
func MigrateLegacyIDs(state *State) bool {
	// Ids already held by other sessions must never be re-assigned: a list
	// mixing stable and legacy ids would otherwise collapse two logical
	// sessions onto one config id.
	taken := make(map[string]bool, len(state.Sessions))
	for i := range state.Sessions {
		if id := state.Sessions[i].ConfigID; id != "" {
			taken[id] = true
		}
	}

	changed := false
	for i := range state.Sessions {
		id := state.Sessions[i].ConfigID
		if IsStableConfigID(id) {
			continue
		}
		if !isLegacyConfigID(id) {
			// Unrecognized but self-chosen id; respect it.
			continue
		}

		newID := fmt.Sprintf("session-%d", i+1)
		for n := i + 1; taken[newID]; n++ {
			newID = fmt.Sprintf("session-%d", n+1)
		}
		taken[newID] = true
		if state.Sessions[i].DisplayName == "" && id != "" && id != placeholderID {
			// Preserve the recognizable part of the old id as a display
			// name (the name half of a dual-id, or the raw UUID).
			display := id
			if idx := strings.Index(id, "#"); idx > 0 {
				display = id[:idx]
			}
			state.Sessions[i].DisplayName = display
		}
		state.Sessions[i].ConfigID = newID
		changed = true
	}
	return changed
}
