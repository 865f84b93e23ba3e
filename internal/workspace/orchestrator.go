package workspace

import (
	"context"
	"fmt"

	"github.com/rjwalters/loom/internal/backend"
	"github.com/rjwalters/loom/internal/detect"
	"github.com/rjwalters/loom/internal/errors"
	"github.com/rjwalters/loom/internal/logging"
	"github.com/rjwalters/loom/internal/provision"
	"github.com/rjwalters/loom/internal/worktree"
)

// Result summarizes one reconciliation run.
type Result struct {
	Sessions []Session
	// RecoveredCount is the number of sessions whose backend session was
	// recreated during this run.
	RecoveredCount int
	// FailedCount is the number of sessions left flagged missing for
	// manual recovery.
	FailedCount int
}

// Options configures an Orchestrator.
type Options struct {
	// DefaultRoles are the roles scaffolded into a fresh workspace, one
	// session per role.
	DefaultRoles []string
	// Identity, when set, is applied as the commit identity of each
	// session worktree.
	Identity *worktree.Identity
	// ConfirmScaffold is consulted before writing scaffolding into a
	// fresh workspace. When nil, fresh workspaces are rejected: explicit
	// confirmation is required before Loom touches an unconfigured
	// repository.
	ConfirmScaffold func() bool
	// BypassAckAttempts bounds how many times a pending elevated-
	// permissions prompt is acknowledged before giving up. Defaults to 3.
	BypassAckAttempts int
}

// WorktreeProvisioner is the slice of the worktree manager the
// orchestrator needs. Satisfied by *worktree.Manager.
type WorktreeProvisioner interface {
	Setup(ctx context.Context, sessionID string, identity *worktree.Identity) (string, error)
}

// Orchestrator reconciles declared session configuration against live
// backend state for one workspace.
type Orchestrator struct {
	store       Store
	provisioner *provision.Provisioner
	trees       WorktreeProvisioner
	client      backend.Client
	classifier  *detect.Classifier
	log         *logging.Logger
	opts        Options
}

// New creates an Orchestrator. All collaborators are injected; there is no
// ambient global state.
func New(store Store, prov *provision.Provisioner, trees WorktreeProvisioner, client backend.Client, log *logging.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	if opts.BypassAckAttempts <= 0 {
		opts.BypassAckAttempts = 3
	}
	if len(opts.DefaultRoles) == 0 {
		opts.DefaultRoles = []string{"builder", "reviewer"}
	}
	return &Orchestrator{
		store:       store,
		provisioner: prov,
		trees:       trees,
		client:      client,
		classifier:  detect.NewClassifier(),
		log:         log,
		opts:        opts,
	}
}

// stepError wraps a step failure with the workspace path and step name.
func stepError(path, step string, err error) error {
	return fmt.Errorf("workspace %s: step %s: %w", path, step, err)
}

// Reconcile is the orchestrator's single entry point. It validates the
// workspace, classifies it as fresh or existing, migrates legacy ids,
// provisions missing sessions (mass-recovering when every session is gone),
// sets up worktrees for newly created sessions, and persists the result.
//
// Partial progress is persisted rather than rolled back: reconciliation is
// designed to be safely re-run, and one bad session never aborts
// reconciliation of the others.
func (o *Orchestrator) Reconcile(ctx context.Context, path string) (*Result, error) {
	log := o.log.WithWorkspace(path)

	// Validate: the workspace must be a usable repository.
	if _, err := worktree.FindGitRoot(path); err != nil {
		return nil, stepError(path, "validate", err)
	}

	// Classify fresh vs existing.
	var state *State
	if !o.store.Exists() {
		if o.opts.ConfirmScaffold == nil || !o.opts.ConfirmScaffold() {
			return nil, stepError(path, "scaffold",
				errors.New("fresh workspace requires explicit confirmation before scaffolding"))
		}
		state = o.scaffold()
		if err := o.store.Save(ctx, state); err != nil {
			return nil, stepError(path, "scaffold", err)
		}
		log.Info("scaffolded fresh workspace", "sessions", len(state.Sessions))
	} else {
		var err error
		state, err = o.store.Load(ctx)
		if err != nil {
			return nil, stepError(path, "load", err)
		}
	}

	// One-time legacy id migration. Persist immediately so a crash later
	// in the run cannot lose the migration.
	if MigrateLegacyIDs(state) {
		if err := o.store.Save(ctx, state); err != nil {
			return nil, stepError(path, "migrate", err)
		}
		log.Info("migrated legacy session identifiers")
	}

	massRecovery := state.AllMissing()
	if massRecovery {
		log.Warn("all sessions missing, running mass recovery", "count", len(state.Sessions))
	}

	result, err := o.reconcileSessions(ctx, path, state, log)
	if err != nil {
		return nil, err
	}

	// Finalize: mark the workspace active and persist whatever was
	// achieved, including partial progress.
	state.Active = true
	if err := o.store.Save(ctx, state); err != nil {
		return nil, stepError(path, "finalize", err)
	}

	result.Sessions = append([]Session(nil), state.Sessions...)
	log.Info("reconciliation complete",
		"recovered", result.RecoveredCount, "failed", result.FailedCount)
	return result, nil
}

// scaffold materializes default declared configuration for a fresh
// workspace.
func (o *Orchestrator) scaffold() *State {
	state := &State{NextInstanceNumber: 1}
	for i, role := range o.opts.DefaultRoles {
		state.Sessions = append(state.Sessions, Session{
			ConfigID: fmt.Sprintf("session-%d", i+1),
			Role:     role,
		})
	}
	return state
}

// reconcileSessions provisions every session lacking a live backend
// session and sets up worktrees for the newly created ones. state is
// mutated in place; the caller persists it.
func (o *Orchestrator) reconcileSessions(ctx context.Context, path string, state *State, log *logging.Logger) (*Result, error) {
	var requests []provision.Request
	for i := range state.Sessions {
		sess := &state.Sessions[i]
		if sess.ID != "" && !sess.MissingSession {
			continue
		}
		requests = append(requests, provision.Request{
			ConfigID:    sess.ConfigID,
			DisplayName: displayName(*sess),
			Role:        sess.Role,
			WorkingDir:  sess.WorktreePath,
		})
	}

	result := &Result{}
	if len(requests) == 0 {
		return result, nil
	}

	counter := provision.NewCounter(state.NextInstanceNumber)
	batch := o.provisioner.ProvisionWithRetry(ctx, requests, counter)
	// Instance numbers are consumed even by failed provisions; persist the
	// advanced counter so they are never reused.
	state.NextInstanceNumber = counter.Peek()

	for _, res := range batch.Succeeded {
		sess := state.FindByConfigID(res.ConfigID)
		if sess == nil {
			continue
		}
		recovered := sess.MissingSession
		sess.ID = res.SessionID
		sess.MissingSession = false
		if recovered {
			result.RecoveredCount++
		}

		if sess.WorktreePath == "" {
			// Worktrees are keyed by the stable config id: when a backend
			// session is recreated, the logical session keeps its tree.
			wtPath, err := o.trees.Setup(ctx, sess.ConfigID, o.opts.Identity)
			if err != nil {
				log.WithSession(sess.ConfigID).Error("worktree setup failed", "error", err.Error())
				sess.MissingSession = true
				result.FailedCount++
				continue
			}
			sess.WorktreePath = wtPath
		}
	}

	for _, f := range batch.Failed {
		sess := state.FindByConfigID(f.ConfigID)
		if sess == nil {
			continue
		}
		// Left flagged for manual recovery rather than retried forever.
		sess.MissingSession = true
		result.FailedCount++
		log.WithSession(f.ConfigID).Error("session provision failed permanently", "error", f.Err.Error())
	}

	return result, nil
}

// RefreshStatuses reads each live session's recent output through the
// backend and applies the passive state classifier. Sessions whose backend
// session has disappeared are flagged missing; if that leaves every
// session flagged, the next Reconcile run triggers mass recovery.
func (o *Orchestrator) RefreshStatuses(ctx context.Context) (*State, error) {
	state, err := o.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	changed := false
	for i := range state.Sessions {
		sess := &state.Sessions[i]
		if sess.ID == "" {
			continue
		}

		alive, err := o.client.Exists(ctx, sess.ID)
		if err != nil {
			o.log.WithSession(sess.ConfigID).Warn("liveness check failed", "error", err.Error())
			continue
		}
		if !alive {
			if !sess.MissingSession {
				sess.MissingSession = true
				changed = true
			}
			continue
		}

		output, err := o.client.ReadOutput(ctx, sess.ID, 0)
		if err != nil {
			o.log.WithSession(sess.ConfigID).Warn("output read failed", "error", err.Error())
			continue
		}

		st := o.classifier.Classify(string(output.Bytes))
		status := st.Status.String()
		if sess.Status != status {
			sess.Status = status
			changed = true
		}
	}

	if changed {
		if err := o.store.Save(ctx, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// AcknowledgeBypass drives a session past its elevated-permissions prompt.
// It sends an acknowledgment and re-classifies the session's output,
// repeating up to the configured attempt bound. Unlike fire-and-forget
// acknowledgment, a session is only reported healthy once a non-bypass
// classification is actually observed.
func (o *Orchestrator) AcknowledgeBypass(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < o.opts.BypassAckAttempts; attempt++ {
		output, err := o.client.ReadOutput(ctx, sessionID, 0)
		if err != nil {
			return err
		}

		st := o.classifier.Classify(string(output.Bytes))
		if st.Status != detect.StatusBypassPrompt {
			return nil
		}

		if err := o.client.SendInput(ctx, sessionID, []byte("\r")); err != nil {
			return err
		}
	}
	return errors.NewStructured(errors.DomainResource, "bypass_unacknowledged",
		"session still at permissions prompt after acknowledgment attempts").
		WithDetail("session_id", sessionID).
		WithHint("attach to the session and acknowledge the prompt manually")
}
