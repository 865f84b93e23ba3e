package cmd

import (
	"os"

	"github.com/rjwalters/loom/internal/backend"
	"github.com/rjwalters/loom/internal/breaker"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/errors"
	"github.com/rjwalters/loom/internal/logging"
	"github.com/rjwalters/loom/internal/provision"
	"github.com/rjwalters/loom/internal/workspace"
	"github.com/rjwalters/loom/internal/worktree"
)

// app bundles the explicitly constructed dependency graph for one command
// invocation. Nothing here is reachable through ambient globals.
type app struct {
	cfg          *config.Config
	log          *logging.Logger
	client       *backend.TmuxClient
	orchestrator *workspace.Orchestrator
	trees        *worktree.Manager
	store        *workspace.FileStore
}

// buildApp wires the full component graph for the workspace at dir.
// confirmScaffold controls whether a fresh workspace may be scaffolded.
func buildApp(dir string, confirmScaffold func() bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	root, err := worktree.FindGitRoot(dir)
	if err != nil {
		return nil, err
	}

	trees, err := worktree.New(root, log)
	if err != nil {
		return nil, err
	}

	client := backend.NewTmuxClient(backend.TmuxOptions{
		Socket:       cfg.Backend.Socket,
		Width:        cfg.Backend.Width,
		Height:       cfg.Backend.Height,
		HistoryLimit: cfg.Backend.HistoryLimit,
	})

	brk := breaker.New(breaker.Options{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown(),
		ShouldTrip: func(err error) bool {
			return errors.ShouldTripBreaker(errors.Classify(err))
		},
	})

	prov := provision.New(client, brk, log, provision.Options{
		MaxAttempts: cfg.Provision.MaxAttempts,
		BackoffBase: cfg.Provision.BackoffBase(),
	})

	var identity *worktree.Identity
	if cfg.Workspace.CommitName != "" && cfg.Workspace.CommitEmail != "" {
		identity = &worktree.Identity{
			Name:  cfg.Workspace.CommitName,
			Email: cfg.Workspace.CommitEmail,
		}
	}

	store := workspace.NewFileStore(root)
	orch := workspace.New(store, prov, trees, client, log, workspace.Options{
		DefaultRoles:    cfg.Workspace.DefaultRoles,
		Identity:        identity,
		ConfirmScaffold: confirmScaffold,
	})

	return &app{
		cfg:          cfg,
		log:          log,
		client:       client,
		orchestrator: orch,
		trees:        trees,
		store:        store,
	}, nil
}

// close releases the app's resources.
func (a *app) close() {
	_ = a.log.Close()
}

// workingDir resolves the workspace directory argument, defaulting to the
// current directory.
func workingDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return os.Getwd()
}
