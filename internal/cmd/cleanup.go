package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/rjwalters/loom/internal/backend"
	"github.com/spf13/cobra"
)

var cleanupAll bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [workspace]",
	Short: "Tear down stale worktrees and orphaned backend sessions",
	Long: `Cleanup reaps resources left behind by crashed runs: backend sessions
that no tracked session references, and worktrees whose session no longer
exists. With --all it tears down every tracked session and the backend
server itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "tear down all sessions and the backend server")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	dir, err := workingDir(args)
	if err != nil {
		return err
	}

	app, err := buildApp(dir, nil)
	if err != nil {
		return err
	}
	defer app.close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	state, err := app.store.Load(ctx)
	if err != nil {
		return err
	}

	tracked := make(map[string]bool, len(state.Sessions))
	live := make(map[string]bool, len(state.Sessions))
	for _, sess := range state.Sessions {
		live[sess.ConfigID] = true
		if sess.ID != "" {
			tracked[sess.ID] = true
		}
	}

	if cleanupAll {
		for _, sess := range state.Sessions {
			if sess.ID == "" {
				continue
			}
			app.client.GracefulShutdown(ctx, sess.ID, backend.DefaultGracefulStopTimeout)
			fmt.Fprintf(out, "stopped %s\n", sess.ID)
		}
		if err := app.client.KillServer(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "backend server stopped")
		return nil
	}

	// Orphaned backend sessions: alive on the Loom socket but untracked.
	sessions, err := app.client.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range sessions {
		if tracked[id] {
			continue
		}
		app.client.GracefulShutdown(ctx, id, backend.DefaultGracefulStopTimeout)
		fmt.Fprintf(out, "reaped orphaned session %s\n", id)
	}

	// Stale worktrees: on disk but no tracked session references them.
	stale, err := app.trees.ListStale(ctx, live)
	if err != nil {
		return err
	}
	for _, wt := range stale {
		if err := app.trees.Teardown(ctx, filepath.Base(wt)); err != nil {
			fmt.Fprintf(out, "failed to remove %s: %v\n", wt, err)
			continue
		}
		fmt.Fprintf(out, "removed stale worktree %s\n", wt)
	}

	return nil
}
