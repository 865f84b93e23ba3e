package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/rjwalters/loom/internal/workspace"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [workspace]",
	Short: "Show the liveness status of each tracked session",
	Long: `Status reads each session's recent output through the backend and
classifies it passively (no input is ever sent to the hosted process),
then prints one line per session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	missingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := workingDir(args)
	if err != nil {
		return err
	}

	app, err := buildApp(dir, nil)
	if err != nil {
		return err
	}
	defer app.close()

	state, err := app.orchestrator.RefreshStatuses(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-12s %-14s %-10s %s", "SESSION", "STATUS", "ROLE", "WORKTREE")))
	for _, sess := range state.Sessions {
		fmt.Fprintf(out, "%-12s %s %-10s %s\n",
			sess.ConfigID,
			renderStatus(sess),
			sess.Role,
			dimStyle.Render(sess.WorktreePath),
		)
	}
	return nil
}

// renderStatus colors a session's status, padded to a fixed column width.
func renderStatus(sess workspace.Session) string {
	status := sess.Status
	if sess.MissingSession {
		status = "missing"
	}
	if status == "" {
		status = "unknown"
	}
	padded := fmt.Sprintf("%-14s", status)

	switch status {
	case "missing", "bypass_prompt":
		return missingStyle.Render(padded)
	case "working", "waiting_input", "idle":
		return okStyle.Render(padded)
	case "paused":
		return warnStyle.Render(padded)
	default:
		return dimStyle.Render(padded)
	}
}
