package worktree

import (
	"fmt"
	"strings"

	"github.com/rjwalters/loom/internal/errors"
)

// enrich rewrites a raw git failure into an actionable StructuredError
// carrying the session/path/branch context. Enrichment never changes the
// failure/success outcome — it only improves the message surfaced to the
// caller.
func enrich(err error, output, sessionID, path, branch string) error {
	if err == nil {
		return nil
	}

	text := strings.ToLower(output)
	if text == "" {
		text = strings.ToLower(err.Error())
	}

	var serr *errors.StructuredError
	switch {
	case strings.Contains(text, "not a git repository"):
		serr = errors.NewStructured(errors.DomainVersionControl, "not_a_repository",
			"the target directory is not inside a git repository").
			WithCause(errors.ErrNotGitRepository).
			WithHint("run 'git init' before provisioning sessions")

	case strings.Contains(text, "already exists") && branch != "" && strings.Contains(text, strings.ToLower(branch)):
		serr = errors.NewStructured(errors.DomainVersionControl, "branch_exists",
			fmt.Sprintf("branch %s already exists", branch)).
			WithCause(errors.ErrBranchExists).
			WithHint(fmt.Sprintf("delete it with 'git branch -D %s' and retry", branch)).
			WithRecoverable()

	case strings.Contains(text, "already exists"):
		serr = errors.NewStructured(errors.DomainVersionControl, "worktree_exists",
			fmt.Sprintf("a worktree already exists at %s", path)).
			WithCause(errors.ErrWorktreeExists).
			WithHint(fmt.Sprintf("remove it with 'git worktree remove --force %s' and retry", path)).
			WithRecoverable()

	case strings.Contains(text, "permission denied") || strings.Contains(text, "operation not permitted"):
		serr = errors.NewStructured(errors.DomainFilesystem, "permission_denied",
			"permission denied while creating the worktree").
			WithCause(err).
			WithHint("check ownership and permissions of the repository and worktree directories")

	case strings.Contains(text, "invalid reference") ||
		strings.Contains(text, "not a valid object name") ||
		strings.Contains(text, "unknown revision") ||
		strings.Contains(text, "does not have any commits yet") ||
		strings.Contains(text, "'head'"):
		serr = errors.NewStructured(errors.DomainVersionControl, "unborn_head",
			"the repository has no usable HEAD").
			WithCause(errors.ErrUnbornHead).
			WithHint("create at least one commit before provisioning sessions")

	default:
		msg := strings.TrimSpace(output)
		if msg == "" {
			msg = err.Error()
		}
		serr = errors.NewStructured(errors.DomainVersionControl, "git_failed", msg).
			WithCause(err)
	}

	if sessionID != "" {
		serr = serr.WithDetail("session_id", sessionID)
	}
	if path != "" {
		serr = serr.WithDetail("path", path)
	}
	if branch != "" {
		serr = serr.WithDetail("branch", branch)
	}
	return serr
}
