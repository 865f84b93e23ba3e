package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var upYes bool

var upCmd = &cobra.Command{
	Use:   "up [workspace]",
	Short: "Reconcile the workspace's sessions against the backend",
	Long: `Up loads the workspace's declared session configuration and makes the
backend match it: missing sessions are created (with retry behind a
circuit breaker), legacy session identifiers are migrated, each new
session gets an isolated git worktree, and if the backend lost every
session at once the whole pool is recreated in one recovery pass.

A workspace without prior configuration is scaffolded with the default
sessions after confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUp,
}

func init() {
	upCmd.Flags().BoolVarP(&upYes, "yes", "y", false, "scaffold fresh workspaces without prompting")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	dir, err := workingDir(args)
	if err != nil {
		return err
	}

	app, err := buildApp(dir, confirmScaffold)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.orchestrator.Reconcile(cmd.Context(), dir)
	if err != nil {
		return err
	}

	// Drive any session stuck at its permissions prompt past it before
	// reporting. Failures here are advisory; the sessions themselves are up.
	if state, err := app.orchestrator.RefreshStatuses(cmd.Context()); err == nil {
		for _, sess := range state.Sessions {
			if sess.ID == "" || sess.Status != "bypass_prompt" {
				continue
			}
			if err := app.orchestrator.AcknowledgeBypass(cmd.Context(), sess.ID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", sess.ConfigID, err)
			}
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d session(s) tracked, %d recovered, %d failed\n",
		len(result.Sessions), result.RecoveredCount, result.FailedCount)
	for _, sess := range result.Sessions {
		marker := "ok"
		if sess.MissingSession {
			marker = "missing"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %-10s %s\n", sess.ConfigID, marker, sess.ID)
	}
	if result.FailedCount > 0 {
		return fmt.Errorf("%d session(s) could not be provisioned; re-run 'loom up' to retry", result.FailedCount)
	}
	return nil
}

// confirmScaffold asks the user before writing scaffolding into a fresh
// workspace, honoring --yes.
func confirmScaffold() bool {
	if upYes {
		return true
	}
	fmt.Fprint(os.Stderr, "No Loom configuration found here. Scaffold a fresh workspace? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
