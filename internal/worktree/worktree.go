// Package worktree provisions isolated git worktrees for sessions. Each
// session gets its own working directory and branch, both keyed by the
// session's config id, carved out of a shared repository.
//
// Setup is deliberately re-runnable: a crash can leave a half-created
// worktree behind, so stale worktree entries and branches are torn down
// before recreation. Setup must not be called concurrently for the same
// session id; different session ids are fully independent.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rjwalters/loom/internal/errors"
	"github.com/rjwalters/loom/internal/logging"
)

// Dir is the directory under the repository root that holds all Loom
// worktrees.
const Dir = ".loom/worktrees"

// BranchPrefix is the prefix for all Loom worktree branches.
const BranchPrefix = "loom/"

// Identity is an optional commit identity scoped to a single worktree.
type Identity struct {
	Name  string
	Email string
}

// Manager handles git worktree operations for one repository.
type Manager struct {
	repoRoot string
	log      *logging.Logger
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (a directory for a
// normal repo, a file for a worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewStructured(errors.DomainVersionControl, "not_a_repository",
				fmt.Sprintf("no git repository found at or above %s", startDir)).
				WithCause(errors.ErrNotGitRepository).
				WithHint("run 'git init' or point Loom at a repository root")
		}
		dir = parent
	}
}

// New creates a worktree Manager rooted at the repository containing dir.
func New(dir string, log *logging.Logger) (*Manager, error) {
	root, err := FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{repoRoot: root, log: log}, nil
}

// RepoRoot returns the repository root the manager operates on.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// Path returns the deterministic worktree path for a session id.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.repoRoot, filepath.FromSlash(Dir), sessionID)
}

// Branch returns the deterministic branch name for a session id.
func Branch(sessionID string) string {
	return BranchPrefix + sessionID
}

// git runs a git command in the given directory and returns its combined
// output. Callers wrap failures through enrich.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Setup creates an isolated worktree and branch for the session, returning
// the worktree path. If a prior run left a worktree or branch behind for
// this session id, it is removed first, so Setup succeeds on crash-recovery
// re-runs and always yields the same path for the same session id.
func (m *Manager) Setup(ctx context.Context, sessionID string, identity *Identity) (string, error) {
	path := m.Path(sessionID)
	branch := Branch(sessionID)
	log := m.log.WithSession(sessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.NewStructured(errors.DomainFilesystem, "worktree_root",
			"failed to create worktree root directory").
			WithCause(err).
			WithDetail("path", filepath.Dir(path))
	}

	// Stale-state cleanup: a prior crash can leave a half-created worktree
	// at the deterministic path, and git refuses to reuse it.
	if _, err := os.Stat(path); err == nil {
		log.Info("removing stale worktree", "path", path)
		if output, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
			log.Warn("stale worktree remove failed, cleaning manually", "output", strings.TrimSpace(output))
			_ = os.RemoveAll(path)
			_, _ = m.git(ctx, m.repoRoot, "worktree", "prune")
		}
		_, _ = m.git(ctx, m.repoRoot, "branch", "-D", branch)
	}

	output, err := m.git(ctx, m.repoRoot, "worktree", "add", "-b", branch, path)
	if err != nil {
		return "", enrich(err, output, sessionID, path, branch)
	}

	if identity != nil {
		// Scoped to this worktree only; the user's global identity is
		// untouched.
		if output, err := m.git(ctx, path, "config", "user.name", identity.Name); err != nil {
			return "", enrich(err, output, sessionID, path, branch)
		}
		if output, err := m.git(ctx, path, "config", "user.email", identity.Email); err != nil {
			return "", enrich(err, output, sessionID, path, branch)
		}
	}

	log.Info("worktree created", "path", path, "branch", branch)
	return path, nil
}

// Teardown removes the session's worktree and branch. Missing worktrees
// are cleaned up manually and pruned rather than reported as failures.
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	path := m.Path(sessionID)
	branch := Branch(sessionID)

	if output, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		if _, pruneErr := m.git(ctx, m.repoRoot, "worktree", "prune"); pruneErr != nil {
			return enrich(err, output, sessionID, path, branch)
		}
	}

	_, _ = m.git(ctx, m.repoRoot, "branch", "-D", branch)
	return nil
}

// List returns the paths of all worktrees known to the repository.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	output, err := m.git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, enrich(err, output, "", "", "")
	}

	var worktrees []string
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}

// ListStale returns Loom worktree paths whose session id is not in the
// live set. Used by cleanup to reap worktrees for sessions that no longer
// exist.
func (m *Manager) ListStale(ctx context.Context, live map[string]bool) ([]string, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(m.repoRoot, filepath.FromSlash(Dir))
	var stale []string
	for _, wt := range all {
		if !strings.HasPrefix(wt, root+string(filepath.Separator)) {
			continue
		}
		sessionID := filepath.Base(wt)
		if !live[sessionID] {
			stale = append(stale, wt)
		}
	}
	return stale, nil
}

// HasUncommittedChanges checks whether a worktree has uncommitted changes.
func (m *Manager) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	output, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, enrich(err, output, "", path, "")
	}
	return len(strings.TrimSpace(output)) > 0, nil
}
