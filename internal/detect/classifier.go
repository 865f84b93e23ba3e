// Package detect provides passive output analysis for hosted agent
// sessions. It classifies a window of recent terminal output into a
// (process type, status) pair without sending any probe input, so
// classification can never disturb the hosted process.
//
// Classification is a pure function over the output text: no state is kept
// between samples, and a fresh sample fully replaces any earlier verdict.
package detect

import (
	"regexp"
	"strings"
)

// ProcessType identifies which kind of process the output appears to come
// from.
type ProcessType int

const (
	// ProcessUnknown means the output matched no known process signature.
	ProcessUnknown ProcessType = iota
	// ProcessClaude is the primary hosted agent CLI.
	ProcessClaude
	// ProcessCodex is the alternate hosted agent CLI.
	ProcessCodex
	// ProcessShell is a plain shell prompt (no agent running yet).
	ProcessShell
)

// String returns a human-readable process type name.
func (p ProcessType) String() string {
	switch p {
	case ProcessClaude:
		return "claude"
	case ProcessCodex:
		return "codex"
	case ProcessShell:
		return "shell"
	default:
		return "unknown"
	}
}

// Status is the inferred liveness status of a session.
type Status int

const (
	// StatusUnknown means no pattern matched.
	StatusUnknown Status = iota
	// StatusBypassPrompt means the agent is showing its elevated-permissions
	// warning and is blocked until it is acknowledged.
	StatusBypassPrompt
	// StatusPaused means the agent is explicitly paused.
	StatusPaused
	// StatusWorking means the agent is actively narrating work.
	StatusWorking
	// StatusWaitingInput means the agent is idle at its input prompt.
	StatusWaitingInput
	// StatusIdle means a plain shell prompt with no agent running.
	StatusIdle
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusBypassPrompt:
		return "bypass_prompt"
	case StatusPaused:
		return "paused"
	case StatusWorking:
		return "working"
	case StatusWaitingInput:
		return "waiting_input"
	case StatusIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// State is the classification of one output sample. It is derived fresh
// from each sample and never merged across samples.
type State struct {
	ProcessType ProcessType
	Status      Status
	// LastPromptLine is the last non-empty output line when the agent is
	// waiting at its prompt, useful for display.
	LastPromptLine string
}

// nearEmptyThreshold is the output length below which a session is treated
// as freshly created with nothing running yet.
const nearEmptyThreshold = 3

// windowSize caps how much trailing output is inspected per sample.
const windowSize = 2000

// Markers and pattern tables. Order of evaluation is fixed in Classify;
// these tables only define what each rule matches.
var (
	// bypassMarkers match the agent's elevated-permissions warning. This
	// outranks everything: a stale ready glyph further up the transcript
	// must never mask a pending permissions prompt.
	bypassMarkers = []string{
		"bypassing permissions",
		"⏵⏵ bypass permissions",
	}

	// pausedGlyph marks an explicitly paused agent.
	pausedGlyph = "⏸"

	// codexMarkers identify the alternate hosted CLI.
	codexMarkers = []string{
		"openai codex",
		"codex session",
	}

	// codexPromptChar is the trailing prompt character Codex shows when
	// waiting for input.
	codexPromptChar = "›"

	// narrationPatterns match the agent actively narrating work:
	// first-person present/future action phrases and tool-invocation
	// markup. Checked before the ready glyph because a transcript commonly
	// contains both an old ready glyph and newer narrative text, and the
	// newer narration should win.
	narrationPatterns = []string{
		`(?i)(?:let me (?:check|look|see|read|search|run|start|fix)|i'?ll (?:check|look|start|begin|create|update|fix|add|run)|i'?m (?:going to|checking|looking|reading|writing|running))`,
		`(?i)(?:reading|writing|editing|creating|searching|running|executing|building|testing|analyzing)(?:\.{3}|…)`,
		`⏺ (?:Read|Write|Edit|Bash|Search|Glob|Grep|Task)\(`,
		`⠋|⠙|⠹|⠸|⠼|⠴|⠦|⠧|⠇|⠏`, // spinner characters
	}

	// readyGlyph marks the agent idle at its input prompt.
	readyGlyph = "⏺"

	// shellPromptPatterns match plain shell prompts: trailing $/%/#,
	// versioned shell banners, user@host banners and decorated multi-line
	// prompt frames.
	shellPromptPatterns = []string{
		`[$%#]\s*$`,
		`^(?:bash|zsh|fish)-?\d+(?:\.\d+)*[$%#]?`,
		`\w+@[\w.-]+`,
		`╰─`,
	}
)

// Classifier classifies session output using pre-compiled patterns. It is
// stateless and safe for concurrent use.
type Classifier struct {
	narration    []*regexp.Regexp
	shellPrompts []*regexp.Regexp
}

// NewClassifier creates a Classifier with pre-compiled patterns.
func NewClassifier() *Classifier {
	return &Classifier{
		narration:    compilePatterns(narrationPatterns),
		shellPrompts: compilePatterns(shellPromptPatterns),
	}
}

// compilePatterns compiles a list of regex pattern strings.
// Invalid patterns are silently skipped.
func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

// Classify maps a window of recent output to a State. It is total: it
// never fails, and unmatched input yields ProcessUnknown/StatusUnknown.
//
// Rules are checked in strict priority order; the first match wins:
//
//  1. Elevated-permissions warning
//  2. Pause glyph
//  3. Alternate-CLI marker (waiting vs working by trailing prompt char)
//  4. Narration phrases or tool-invocation markup
//  5. Ready glyph
//  6. Shell prompt patterns
//  7. Near-empty output (fresh session)
func (c *Classifier) Classify(window string) State {
	text := window
	if len(text) > windowSize {
		text = text[len(text)-windowSize:]
	}
	text = StripAnsi(text)
	lower := strings.ToLower(text)

	for _, marker := range bypassMarkers {
		if strings.Contains(lower, marker) {
			return State{ProcessType: ProcessClaude, Status: StatusBypassPrompt}
		}
	}

	if strings.Contains(text, pausedGlyph) {
		return State{ProcessType: ProcessClaude, Status: StatusPaused}
	}

	for _, marker := range codexMarkers {
		if strings.Contains(lower, marker) {
			if strings.HasSuffix(strings.TrimRight(text, " \n"), codexPromptChar) {
				return State{ProcessType: ProcessCodex, Status: StatusWaitingInput, LastPromptLine: lastNonEmptyLine(text)}
			}
			return State{ProcessType: ProcessCodex, Status: StatusWorking}
		}
	}

	for _, re := range c.narration {
		if re.MatchString(text) {
			return State{ProcessType: ProcessClaude, Status: StatusWorking}
		}
	}

	if strings.Contains(text, readyGlyph) {
		return State{ProcessType: ProcessClaude, Status: StatusWaitingInput, LastPromptLine: lastNonEmptyLine(text)}
	}

	trimmed := strings.TrimSpace(text)
	for _, re := range c.shellPrompts {
		if re.MatchString(trimmed) {
			return State{ProcessType: ProcessShell, Status: StatusIdle}
		}
	}

	if len(trimmed) < nearEmptyThreshold {
		return State{ProcessType: ProcessShell, Status: StatusIdle}
	}

	return State{ProcessType: ProcessUnknown, Status: StatusUnknown}
}

// lastNonEmptyLine returns the last non-empty line of text, trimmed.
func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// StripAnsi removes ANSI escape codes from text. It handles both CSI
// sequences (ESC[...letter) and OSC sequences (ESC]...BEL).
func StripAnsi(text string) string {
	return ansiRegex.ReplaceAllString(text, "")
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07`)
