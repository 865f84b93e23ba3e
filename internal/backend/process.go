package backend

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is how long to wait after sending Ctrl+C
// before force-killing a session's processes during teardown.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// PanePID returns the PID of the process running in the session's pane.
// Returns 0 if the PID cannot be determined (e.g. session doesn't exist).
func (c *TmuxClient) PanePID(ctx context.Context, sessionID string) int {
	cmd := c.command(ctx, "display-message", "-t", sessionID, "-p", "#{pane_pid}")
	output, err := cmd.Output()
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0
	}
	return pid
}

// descendantPIDs returns all descendant PIDs of pid, recursively, using
// pgrep -P.
func descendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	output, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		childPID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		descendants = append(descendants, childPID)
		descendants = append(descendants, descendantPIDs(childPID)...)
	}
	return descendants
}

// processAlive checks process existence with kill(pid, 0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// killProcessTree sends SIGKILL to a process and all its descendants,
// deepest children first to prevent orphaning.
func killProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	descendants := descendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		if processAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}
	if processAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// waitForProcessExit polls until pid exits or the timeout is reached.
func waitForProcessExit(pid int, timeout time.Duration) bool {
	if pid <= 0 || !processAlive(pid) {
		return true
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !processAlive(pid)
		case <-ticker.C:
			if !processAlive(pid) {
				return true
			}
		}
	}
}

// GracefulShutdown performs a defense-in-depth teardown of a session: it
// captures the pane's process tree, sends Ctrl+C, polls for exit, kills
// the tmux session, then force-kills any survivors. This is the canonical
// teardown path used by the cleanup command.
func (c *TmuxClient) GracefulShutdown(ctx context.Context, sessionID string, gracefulTimeout time.Duration) {
	panePID := c.PanePID(ctx, sessionID)
	var pids []int
	if panePID > 0 {
		pids = append([]int{panePID}, descendantPIDs(panePID)...)
	}

	_ = c.run(ctx, "send-keys", "-t", sessionID, "C-c")

	waitForProcessExit(panePID, gracefulTimeout)

	_ = c.run(ctx, "kill-session", "-t", sessionID)

	for _, pid := range pids {
		if processAlive(pid) {
			killProcessTree(pid)
		}
	}
}
