// Package agent implements the Agent Loop and Tool Dispatcher: the
// iteration that drives a model turn to completion, and the per-call
// pipeline (resolve, permission check, hooks, normalize, validate, execute,
// record) that safely runs a single tool call.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/hooks"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/toolcall"
	"github.com/xonecas/agentcli/internal/tools"
)

// DefaultToolTimeout bounds a single tool call absent a per-tool override.
const DefaultToolTimeout = 120 * time.Second

// DefaultMaxParallelToolCalls caps concurrent in-flight tool calls within
// one ExecuteAll batch.
const DefaultMaxParallelToolCalls = 8

// aliases maps argument names models commonly use in place of a tool's
// canonical schema property, so minor model drift doesn't fail validation.
var aliases = map[string]string{
	"file_path":   "path",
	"directory":   "path",
	"cmd":         "command",
	"find":        "old_string",
	"replacement": "new_string",
	"instructions": "task",
}

// mutatingTools names tools whose execution the checkpoint store should be
// consulted for when building an approval-prompt diff. The tools themselves
// (write_file, edit_file) own the actual Snapshot call, taken immediately
// before they touch disk — see DESIGN.md for why dispatch does not
// duplicate it as a separate pipeline stage.
var mutatingTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
}

// CallResult is the outcome of dispatching one tool call, ready to become a
// tool_result message.
type CallResult struct {
	CallID  string
	Content string
	IsError bool
}

// Dispatcher runs the §4.2 per-call pipeline: resolve, permission check,
// pre-hook, argument normalization, required-argument validation, directory
// restriction, execute, post-hook, record, format.
type Dispatcher struct {
	Registry   *tools.Registry
	Permission *permission.Engine
	Hooks      *hooks.Hooks // may be nil to disable hook execution
	Checkpoint *checkpoint.Store // may be nil to disable diff previews
	SessionID  string

	// RestrictedRoot, if non-empty, is the absolute directory every "path"
	// argument must normalize under. Empty disables the restriction (each
	// built-in file tool still independently restricts to the process cwd).
	RestrictedRoot string

	// Mode mirrors the Loop's current Mode and is enforced independently of
	// the catalog filter (§4.1: "enforced by both the catalog filter *and*
	// the dispatcher rejecting any out-of-mode call"), so a call the model
	// was never offered — hallucinated, replayed from stale history, or
	// injected — still cannot execute above the active mode's risk ceiling.
	Mode Mode

	// ToolTimeout bounds execution absent a ToolTimeouts override.
	ToolTimeout time.Duration
	// ToolTimeouts overrides ToolTimeout for specific tool names.
	ToolTimeouts map[string]time.Duration

	// MaxParallel bounds concurrent calls in ExecuteAll. Zero uses
	// DefaultMaxParallelToolCalls.
	MaxParallel int
}

func (d *Dispatcher) toolTimeout(name string) time.Duration {
	if d.ToolTimeouts != nil {
		if t, ok := d.ToolTimeouts[name]; ok {
			return t
		}
	}
	if d.ToolTimeout > 0 {
		return d.ToolTimeout
	}
	return DefaultToolTimeout
}

func (d *Dispatcher) maxParallel() int {
	if d.MaxParallel > 0 {
		return d.MaxParallel
	}
	return DefaultMaxParallelToolCalls
}

// Dispatch runs the full pipeline for one call and returns its result. It
// never returns a Go error — every failure mode is represented in
// CallResult.IsError so the model always gets a chance to adapt.
func (d *Dispatcher) Dispatch(ctx context.Context, call toolcall.Call) CallResult {
	start := time.Now()

	// 1. Resolve.
	entry, ok := d.Registry.Resolve(call.Name)
	if !ok {
		msg := fmt.Sprintf("Unknown tool: %s.", call.Name)
		if match, ok := d.Registry.FindClosestMatch(call.Name); ok {
			msg = fmt.Sprintf("Unknown tool: %s. Did you mean %s?", call.Name, match)
		}
		return errorResult(call.ID, msg)
	}

	// 1.5. Mode enforcement. The catalog filter in loop.go's catalog()
	// already keeps Plan/Sandbox turns from being offered anything riskier
	// than ReadOnly; this stage is the second half of that defense-in-depth
	// (§4.1: "enforced by both the catalog filter *and* the dispatcher
	// rejecting any out-of-mode call"), for calls the dispatcher receives
	// anyway.
	if !modeAllowsRisk(d.Mode, entry.Risk) {
		return errorResult(call.ID, fmt.Sprintf("Tool %s is not permitted in the current mode.", entry.Tool.Name))
	}

	// 2. Permission check, with a diff preview for mutating tools when a
	// checkpoint store is wired in.
	diff := d.diffPreview(entry.Tool.Name, call.Arguments)
	if d.Permission != nil && d.Permission.CheckWithDiff(entry.Tool.Name, entry.Risk, call.Arguments, diff) == permission.Deny {
		return errorResult(call.ID, "Permission denied by user.")
	}

	// 3. Pre-hook.
	if d.Hooks != nil {
		if err := d.Hooks.RunPre(ctx, entry.Tool.Name, call.Arguments); err != nil {
			return errorResult(call.ID, "Tool blocked by hook.")
		}
	}

	// 4. Argument normalization.
	args, err := normalizeArgs(call.Arguments, entry.Tool.InputSchema)
	if err != nil {
		args = json.RawMessage(`{}`)
	}

	// 6. Required-argument validation (checkpoint snapshotting, stage 5, is
	// performed inside the mutating tool handlers themselves).
	if err := validateRequired(args, entry.Tool.InputSchema); err != nil {
		return errorResult(call.ID, fmt.Sprintf("%v\nschema: %s\nargs: %s", err, entry.Tool.InputSchema, args))
	}

	// 7. Directory restriction.
	if err := d.checkDirectoryRestriction(args); err != nil {
		return errorResult(call.ID, err.Error())
	}

	// 8. Execute, with a per-tool timeout.
	execCtx, cancel := context.WithTimeout(ctx, d.toolTimeout(entry.Tool.Name))
	defer cancel()
	result, execErr := d.Registry.Call(execCtx, entry.Tool.Name, args)

	// 9. Post-hook, fire-and-forget.
	if d.Hooks != nil {
		d.Hooks.RunPost(entry.Tool.Name, args)
	}

	content, isError := formatResult(result, execErr)

	// 10. Record.
	log.Info().
		Str("tool", entry.Tool.Name).
		Str("call_id", call.ID).
		Bool("is_error", isError).
		Dur("duration", time.Since(start)).
		Str("result_preview", truncate(content, 200)).
		Msg("agent: tool call dispatched")

	return CallResult{CallID: call.ID, Content: content, IsError: isError}
}

// ExecuteAll runs calls concurrently, bounded by MaxParallel, and returns
// their results in the same order as calls regardless of completion order.
// A panic in any one call is recovered and becomes an ERROR result in that
// slot without affecting the others. ctx cancellation aborts outstanding
// calls cooperatively.
func (d *Dispatcher) ExecuteAll(ctx context.Context, calls []toolcall.Call) []CallResult {
	results := make([]CallResult, len(calls))
	sem := make(chan struct{}, d.maxParallel())
	var wg sync.WaitGroup

	for i, c := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c toolcall.Call) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i] = errorResult(c.ID, fmt.Sprintf("ERROR: executing %s: panic: %v", c.Name, r))
				}
			}()
			results[i] = d.Dispatch(ctx, c)
		}(i, c)
	}

	wg.Wait()
	return results
}

// diffPreview computes a unified-diff preview for mutating tools when a
// checkpoint store is configured, for the approval prompt. Best-effort:
// returns "" on any failure, since undo/preview support is optional.
func (d *Dispatcher) diffPreview(toolName string, argsJSON json.RawMessage) string {
	if d.Checkpoint == nil || !mutatingTools[strings.ToLower(toolName)] {
		return ""
	}
	path, ok := stringField(argsJSON, "path")
	if !ok || path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	diff, err := d.Checkpoint.Diff(d.SessionID, abs)
	if err != nil || diff == nil {
		return ""
	}
	return diff.UnifiedDiff
}

// checkDirectoryRestriction rejects a "path" argument that does not
// normalize under d.RestrictedRoot, when one is configured.
func (d *Dispatcher) checkDirectoryRestriction(argsJSON json.RawMessage) error {
	if d.RestrictedRoot == "" {
		return nil
	}
	path, ok := stringField(argsJSON, "path")
	if !ok || path == "" {
		return nil
	}
	root, err := filepath.Abs(d.RestrictedRoot)
	if err != nil {
		return nil
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("access denied: %q is outside the restricted directory %q", path, root)
	}
	return nil
}

// modeAllowsRisk reports whether risk is permitted under mode, mirroring
// loop.go's catalog(): ModePlan and ModeSandbox both restrict to ReadOnly.
func modeAllowsRisk(mode Mode, risk permission.RiskLevel) bool {
	switch mode {
	case ModePlan, ModeSandbox:
		return risk == permission.ReadOnly
	default:
		return true
	}
}

// normalizeArgs parses argsJSON (substituting {} on parse failure), applies
// alias resolution against the schema's declared properties, and — for a
// single-required-property schema handed a single-key object — promotes
// that sole key to the required name.
func normalizeArgs(argsJSON, schemaJSON json.RawMessage) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &m) // best-effort; m stays {} on failure
	}

	props, required := parseSchema(schemaJSON)

	for key := range m {
		if _, ok := props[key]; ok {
			continue
		}
		canonical, hasAlias := aliases[key]
		if !hasAlias {
			continue
		}
		if _, ok := props[canonical]; !ok {
			continue
		}
		if _, already := m[canonical]; already {
			continue
		}
		m[canonical] = m[key]
		delete(m, key)
	}

	if len(required) == 1 {
		sole := required[0]
		if _, ok := m[sole]; !ok && len(m) == 1 {
			for k, v := range m {
				delete(m, k)
				m[sole] = v
			}
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`), err
	}
	return json.RawMessage(out), nil
}

// validateRequired reports an error naming the first missing required
// property, or nil if all are present.
func validateRequired(argsJSON, schemaJSON json.RawMessage) error {
	m := map[string]json.RawMessage{}
	_ = json.Unmarshal(argsJSON, &m)
	_, required := parseSchema(schemaJSON)
	for _, name := range required {
		if _, ok := m[name]; !ok {
			return fmt.Errorf("missing required argument: %s", name)
		}
	}
	return nil
}

type jsonSchema struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

func parseSchema(schemaJSON json.RawMessage) (map[string]json.RawMessage, []string) {
	var s jsonSchema
	if err := json.Unmarshal(schemaJSON, &s); err != nil {
		return nil, nil
	}
	return s.Properties, s.Required
}

func stringField(argsJSON json.RawMessage, key string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(argsJSON, &m); err != nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// formatResult collapses a tool's *mcp.ToolResult/error pair into the text
// that goes into the conversation, prefixing ERROR: on any failure.
func formatResult(result *mcp.ToolResult, execErr error) (content string, isError bool) {
	if execErr != nil {
		return "ERROR: " + execErr.Error(), true
	}
	text := extractText(result)
	if result != nil && result.IsError {
		return "ERROR: " + text, true
	}
	return text, false
}

func extractText(result *mcp.ToolResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// errorResult builds a CallResult for a pipeline-stage failure (resolve,
// permission, hook, validation, directory restriction). Per §7 only
// stage-8 tool-execution failures get the "ERROR: " prefix (see
// formatResult); every other stage's msg is already the stable string §7
// specifies and is carried verbatim.
func errorResult(callID, msg string) CallResult {
	return CallResult{CallID: callID, Content: msg, IsError: true}
}
