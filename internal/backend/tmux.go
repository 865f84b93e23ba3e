package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// SocketName is the tmux socket Loom uses for all of its sessions. Keeping
// Loom's sessions on a dedicated socket isolates them from the user's own
// tmux server: a kill-server against the Loom socket can never touch user
// sessions.
const SocketName = "loom"

// TmuxOptions configures a TmuxClient.
type TmuxOptions struct {
	// Socket overrides the tmux socket name. Defaults to SocketName.
	Socket string
	// Width and Height are the terminal dimensions for new sessions.
	// Default to 200x50.
	Width  int
	Height int
	// HistoryLimit is the scrollback line count for new sessions.
	// Defaults to 10000.
	HistoryLimit int
}

// TmuxClient implements Client using the tmux CLI on a dedicated socket.
type TmuxClient struct {
	socket       string
	width        int
	height       int
	historyLimit int
}

// NewTmuxClient creates a tmux-backed Client.
func NewTmuxClient(opts TmuxOptions) *TmuxClient {
	if opts.Socket == "" {
		opts.Socket = SocketName
	}
	if opts.Width <= 0 {
		opts.Width = 200
	}
	if opts.Height <= 0 {
		opts.Height = 50
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10000
	}
	return &TmuxClient{
		socket:       opts.Socket,
		width:        opts.Width,
		height:       opts.Height,
		historyLimit: opts.HistoryLimit,
	}
}

// command creates a context-aware tmux command on the client's socket.
func (c *TmuxClient) command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", c.socket}, args...)
	return exec.CommandContext(ctx, "tmux", fullArgs...)
}

// run executes a tmux command, folding stderr into the returned error so
// the classifier can pattern-match the backend's own message.
func (c *TmuxClient) run(ctx context.Context, args ...string) error {
	output, err := c.command(ctx, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return nil
}

var sessionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SessionID derives the backend session id for a create request. The
// instance number is part of the id, so a recreated session never collides
// with a half-dead predecessor holding the old name.
func SessionID(name string, instanceNumber int) string {
	slug := sessionIDSanitizer.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "session"
	}
	return fmt.Sprintf("loom-%s-%d", slug, instanceNumber)
}

// Create provisions a detached tmux session for the request.
func (c *TmuxClient) Create(ctx context.Context, req CreateRequest) (string, error) {
	sessionID := SessionID(req.Name, req.InstanceNumber)

	cmd := c.command(ctx,
		"new-session",
		"-d",
		"-s", sessionID,
		"-x", strconv.Itoa(c.width),
		"-y", strconv.Itoa(c.height),
	)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	if output, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		return "", classify(fmt.Errorf("tmux new-session: %s", msg), sessionID)
	}

	// Session options are best effort; the session works without them.
	_ = c.run(ctx, "set-option", "-t", sessionID, "history-limit", strconv.Itoa(c.historyLimit))
	_ = c.run(ctx, "set-option", "-t", sessionID, "default-terminal", "xterm-256color")

	return sessionID, nil
}

// Destroy kills the tmux session.
func (c *TmuxClient) Destroy(ctx context.Context, sessionID string) error {
	return classify(c.run(ctx, "kill-session", "-t", sessionID), sessionID)
}

// SendInput sends literal input bytes to the session.
func (c *TmuxClient) SendInput(ctx context.Context, sessionID string, input []byte) error {
	return classify(c.run(ctx, "send-keys", "-t", sessionID, "-l", string(input)), sessionID)
}

// ReadOutput captures the session's visible output plus scrollback. The
// since offset indexes into the captured byte stream; bytes before it are
// skipped so callers can poll incrementally.
func (c *TmuxClient) ReadOutput(ctx context.Context, sessionID string, since int) (Output, error) {
	cmd := c.command(ctx, "capture-pane", "-p", "-t", sessionID, "-S", "-")
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			err = fmt.Errorf("tmux capture-pane: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Output{}, classify(err, sessionID)
	}

	total := len(output)
	if since < 0 {
		since = 0
	}
	if since > total {
		since = total
	}
	return Output{Bytes: output[since:], TotalByteCount: total}, nil
}

// Resize changes the session's window dimensions.
func (c *TmuxClient) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return classify(c.run(ctx,
		"resize-window",
		"-t", sessionID,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
	), sessionID)
}

// Exists reports whether the session is alive on the backend. A missing
// session or a missing server both report false without error; any other
// failure is classified and returned.
func (c *TmuxClient) Exists(ctx context.Context, sessionID string) (bool, error) {
	err := c.run(ctx, "has-session", "-t", sessionID)
	if err == nil {
		return true, nil
	}
	serr := classifyStructured(err)
	if serr != nil && (serr.Code == "session_not_found" || serr.Code == "server_down" || serr.Code == "connect_failed") {
		return false, nil
	}
	return false, classify(err, sessionID)
}

// ListSessions returns the ids of all live sessions on the Loom socket. A
// missing server yields an empty list.
func (c *TmuxClient) ListSessions(ctx context.Context) ([]string, error) {
	cmd := c.command(ctx, "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			err = fmt.Errorf("tmux list-sessions: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		serr := classifyStructured(err)
		if serr != nil && (serr.Code == "server_down" || serr.Code == "connect_failed") {
			return nil, nil
		}
		return nil, classify(err, "")
	}

	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

// KillServer kills the tmux server for the Loom socket. This is more
// thorough than destroying sessions one by one: it terminates the server
// and every session within it.
func (c *TmuxClient) KillServer(ctx context.Context) error {
	err := c.run(ctx, "kill-server")
	if err == nil {
		return nil
	}
	serr := classifyStructured(err)
	if serr != nil && (serr.Code == "server_down" || serr.Code == "connect_failed") {
		return nil
	}
	return classify(err, "")
}
