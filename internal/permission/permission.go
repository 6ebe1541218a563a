// Package permission implements the tool approval decision pipeline: risk
// classification, glob-pattern allow/deny rules, and session-scoped
// auto-approval memory.
package permission

import (
	"encoding/json"
	"strings"
	"sync"
)

// RiskLevel classifies how dangerous a tool call is.
type RiskLevel int

const (
	ReadOnly RiskLevel = iota
	Moderate
	Dangerous
)

func (r RiskLevel) String() string {
	switch r {
	case ReadOnly:
		return "read_only"
	case Moderate:
		return "moderate"
	case Dangerous:
		return "dangerous"
	default:
		return "unknown"
	}
}

// shellFamily lists tool names whose relevant pattern argument is "command"
// rather than "path".
var shellFamily = map[string]bool{
	"bash":                     true,
	"shell":                    true,
	"start_background_process": true,
}

// Pattern is a parsed `ToolName(glob)` permission rule.
type Pattern struct {
	raw      string
	toolName string
	glob     string
}

// ParsePattern parses a string of shape `ToolName(glob)`. It returns ok=false
// if the string does not match that shape.
func ParsePattern(s string) (Pattern, bool) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Pattern{}, false
	}
	name := s[:open]
	glob := s[open+1 : len(s)-1]
	if name == "" {
		return Pattern{}, false
	}
	return Pattern{raw: s, toolName: name, glob: glob}, true
}

func (p Pattern) String() string { return p.raw }

// Matches reports whether this pattern applies to a call with the given tool
// name and JSON arguments. For shell-family tools the argument is a command
// line rather than a path, so there a single `*` also matches '/'.
func (p Pattern) Matches(toolName string, argsJSON json.RawMessage) bool {
	if !strings.EqualFold(p.toolName, toolName) {
		return false
	}
	arg := extractArg(toolName, argsJSON)
	glob := p.glob
	if shellFamily[strings.ToLower(toolName)] {
		glob = strings.ReplaceAll(glob, "*", "**")
	}
	return globMatch(glob, arg)
}

// extractArg pulls the "relevant argument" for pattern matching: the
// command field for shell-family tools, the path field otherwise.
func extractArg(toolName string, argsJSON json.RawMessage) string {
	key := "path"
	if shellFamily[strings.ToLower(toolName)] {
		key = "command"
	}
	if len(argsJSON) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(argsJSON, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// globMatch implements the pattern's glob semantics: `*` matches any run of
// non-separator characters, `**` matches anything including separators, and
// `?` matches a single character.
func globMatch(pattern, s string) bool {
	return matchGlob([]rune(pattern), []rune(s))
}

func matchGlob(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}

	if pattern[0] == '*' {
		// Distinguish ** (match anything) from * (match non-separator run).
		if len(pattern) > 1 && pattern[1] == '*' {
			rest := pattern[2:]
			for i := 0; i <= len(s); i++ {
				if matchGlob(rest, s[i:]) {
					return true
				}
			}
			return false
		}
		rest := pattern[1:]
		for i := 0; i <= len(s); i++ {
			if i > 0 && s[i-1] == '/' {
				break
			}
			if matchGlob(rest, s[i:]) {
				return true
			}
		}
		return false
	}

	if len(s) == 0 {
		return false
	}

	if pattern[0] == '?' {
		return matchGlob(pattern[1:], s[1:])
	}

	if pattern[0] != s[0] {
		return false
	}
	return matchGlob(pattern[1:], s[1:])
}

// Decision is the outcome of a permission check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

// ApprovalOutcome is returned by an ApprovalPrompter.
type ApprovalOutcome int

const (
	Denied ApprovalOutcome = iota
	Approved
	ApproveAll
)

// ApprovalRequest carries the context an interactive approval prompt needs.
type ApprovalRequest struct {
	ToolName string
	Risk     RiskLevel
	ArgsJSON json.RawMessage
	// Diff, when non-empty, is a unified diff computed by the checkpoint
	// store before the prompt is shown: the session's snapshot of the path
	// (or empty content, when there is none) against the file as it is on
	// disk now. It does not include the change this call would make.
	Diff string
}

// ApprovalPrompter is the embedder-supplied interactive approval capability.
// Modeled as an interface (not a function field) so the dispatcher does not
// couple to the embedder's concurrency model.
type ApprovalPrompter interface {
	Prompt(req ApprovalRequest) ApprovalOutcome
}

// Config holds the static permission configuration.
type Config struct {
	Disabled             []string
	Deny                 []string
	Allow                []string
	AutoApproveAll       bool
	AlwaysApprove        []string
	AutoApproveReadOnly  bool
	AutoApproveModerate  bool
}

// Engine evaluates the permission decision function described in §4.3.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	denyPat  []Pattern
	allowPat []Pattern
	disabled map[string]bool
	always   map[string]bool
	approved map[string]bool
	prompter ApprovalPrompter
}

// New builds an Engine from a static Config. Malformed patterns in
// Deny/Allow are skipped (ParsePattern returning ok=false): a malformed
// Allow entry grants nothing, and a malformed Deny entry denies nothing.
func New(cfg Config, prompter ApprovalPrompter) *Engine {
	e := &Engine{
		cfg:      cfg,
		disabled: make(map[string]bool),
		always:   make(map[string]bool),
		approved: make(map[string]bool),
		prompter: prompter,
	}
	for _, n := range cfg.Disabled {
		e.disabled[strings.ToLower(n)] = true
	}
	for _, n := range cfg.AlwaysApprove {
		e.always[strings.ToLower(n)] = true
	}
	for _, s := range cfg.Deny {
		if p, ok := ParsePattern(s); ok {
			e.denyPat = append(e.denyPat, p)
		}
	}
	for _, s := range cfg.Allow {
		if p, ok := ParsePattern(s); ok {
			e.allowPat = append(e.allowPat, p)
		}
	}
	return e
}

// Check evaluates the fixed-order decision function from §4.3.
func (e *Engine) Check(toolName string, risk RiskLevel, argsJSON json.RawMessage) Decision {
	return e.CheckWithDiff(toolName, risk, argsJSON, "")
}

// CheckWithDiff is like Check, but attaches a precomputed unified-diff
// preview to the approval prompt for file-mutating tool calls.
func (e *Engine) CheckWithDiff(toolName string, risk RiskLevel, argsJSON json.RawMessage, diff string) Decision {
	lower := strings.ToLower(toolName)

	if e.disabled[lower] {
		return Deny
	}
	for _, p := range e.denyPat {
		if p.Matches(toolName, argsJSON) {
			return Deny
		}
	}
	for _, p := range e.allowPat {
		if p.Matches(toolName, argsJSON) {
			return Allow
		}
	}
	if e.cfg.AutoApproveAll || e.always[lower] {
		return Allow
	}

	e.mu.Lock()
	sessionApproved := e.approved[lower]
	e.mu.Unlock()
	if sessionApproved {
		return Allow
	}

	if e.cfg.AutoApproveReadOnly && risk == ReadOnly {
		return Allow
	}
	if e.cfg.AutoApproveModerate && risk == Moderate {
		return Allow
	}

	if e.prompter == nil {
		return Deny
	}

	outcome := e.prompter.Prompt(ApprovalRequest{ToolName: toolName, Risk: risk, ArgsJSON: argsJSON, Diff: diff})
	switch outcome {
	case Approved:
		return Allow
	case ApproveAll:
		e.mu.Lock()
		e.approved[lower] = true
		e.mu.Unlock()
		return Allow
	default:
		return Deny
	}
}

// ResetSession clears the per-process session-approved set.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approved = make(map[string]bool)
}
