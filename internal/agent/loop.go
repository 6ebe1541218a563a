package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/conversation"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/provider"
	"github.com/xonecas/agentcli/internal/stream"
	"github.com/xonecas/agentcli/internal/toolcall"
	"github.com/xonecas/agentcli/internal/tools"
)

// Mode restricts the tool catalog a model turn is offered.
type Mode int

const (
	// ModeNormal exposes the full catalog.
	ModeNormal Mode = iota
	// ModePlan restricts the catalog to ReadOnly tools.
	ModePlan
	// ModeSandbox restricts the catalog to ReadOnly tools.
	ModeSandbox
)

// Defaults for the loop's pacing knobs, all overrideable via Loop fields.
const (
	DefaultMaxIterations              = 20
	DefaultRecitationIntervalIterations = 6
	DefaultRepeatedCallThreshold      = 3
	DefaultStreamingIdleTimeout       = 120 * time.Second
)

// StopReason names why RunUntilQuiet returned.
type StopReason int

const (
	StopNoToolCalls StopReason = iota
	StopIterationCap
	StopCancelled
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopNoToolCalls:
		return "no_tool_calls"
	case StopIterationCap:
		return "iteration_cap"
	case StopCancelled:
		return "cancelled"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is what RunUntilQuiet returns once a turn reaches a terminal state.
type Result struct {
	FinalText  string
	Iterations int
	Stop       StopReason
	Err        error
}

// DeltaCallback is invoked with each chunk of user-visible text as it
// becomes available during streaming.
type DeltaCallback func(visibleDelta string)

// ToolCallCallback is invoked once per iteration, just before dispatching
// that iteration's tool calls.
type ToolCallCallback func(calls []toolcall.Call)

// UsageCallback reports accumulated token usage after each model call.
type UsageCallback func(inputTokens, outputTokens int)

// ScratchpadReader provides read access to an agent's working plan, reused
// as the recitation source when present.
type ScratchpadReader interface {
	Content() string
}

// Loop drives a turn: stream, parse, dispatch, reinject, decide
// continuation — until a terminal condition from §4.1 is reached.
type Loop struct {
	Provider   provider.Provider
	Registry   *tools.Registry
	Dispatcher *Dispatcher

	Mode Mode

	MaxIterations                int
	RecitationIntervalIterations int
	RepeatedCallThreshold        int
	StreamingIdleTimeout         time.Duration
	SuppressThinkFromVisible     bool

	Scratchpad ScratchpadReader

	OnDelta    DeltaCallback
	OnToolCall ToolCallCallback
	OnUsage    UsageCallback
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return DefaultMaxIterations
}

func (l *Loop) recitationInterval() int {
	if l.RecitationIntervalIterations > 0 {
		return l.RecitationIntervalIterations
	}
	return DefaultRecitationIntervalIterations
}

func (l *Loop) repeatedCallThreshold() int {
	if l.RepeatedCallThreshold > 0 {
		return l.RepeatedCallThreshold
	}
	return DefaultRepeatedCallThreshold
}

func (l *Loop) idleTimeout() time.Duration {
	if l.StreamingIdleTimeout > 0 {
		return l.StreamingIdleTimeout
	}
	return DefaultStreamingIdleTimeout
}

type recentCall struct {
	name string
	args string
}

// RunUntilQuiet drives conv through model turns until the model stops
// requesting tool calls, the iteration cap is reached, ctx is cancelled, or
// a structural error escalates out of the dispatcher.
func (l *Loop) RunUntilQuiet(ctx context.Context, conv *conversation.Conversation) Result {
	toolSchemas, toolListing := l.catalog()
	var recent []recentCall
	var lastText string

	for iteration := 0; iteration < l.maxIterations(); iteration++ {
		if err := ctx.Err(); err != nil {
			return Result{FinalText: lastText, Iterations: iteration, Stop: StopCancelled, Err: err}
		}

		injectRecitation(conv, l.Scratchpad, iteration, l.recitationInterval())

		messages := toProviderMessages(conv, toolListing)

		watchCtx, watchdog := stream.WatchContext(ctx, l.idleTimeout())
		events, err := l.Provider.ChatStream(watchCtx, messages, toolSchemas)
		if err != nil {
			watchdog.Stop()
			return Result{FinalText: lastText, Iterations: iteration, Stop: StopError, Err: fmt.Errorf("chat stream: %w", err)}
		}

		assistant, nativeCalls, streamErr := l.collect(events, watchdog)
		watchdog.Stop()
		if streamErr != nil {
			return Result{FinalText: lastText, Iterations: iteration, Stop: StopError, Err: streamErr}
		}

		parsedCalls := toolcall.Parse(assistant.raw)
		calls := mergeCalls(nativeCalls, parsedCalls)

		conv.AppendAssistant(assistant.visible, assistant.reasoning, toConversationToolCalls(calls))
		lastText = assistant.visible

		if len(calls) == 0 {
			if toolcall.ShouldNudge(assistant.raw, false) {
				conv.AppendUser("<system-reminder>Use a real tool call (e.g. <tool_call>{\"name\": ..., \"arguments\": {...}}</tool_call>) instead of describing one in prose.</system-reminder>")
				continue
			}
			return Result{FinalText: lastText, Iterations: iteration + 1, Stop: StopNoToolCalls}
		}

		if l.OnToolCall != nil {
			l.OnToolCall(calls)
		}

		// Keep the dispatcher's mode enforcement (§4.2 stage 1.5) in sync
		// with the mode that gated this iteration's catalog, so a call the
		// model wasn't offered still can't slip through at execution time.
		l.Dispatcher.Mode = l.Mode
		results := l.Dispatcher.ExecuteAll(ctx, calls)
		for _, r := range results {
			conv.AppendToolResult(r.CallID, r.Content, r.IsError)
		}

		recent = appendRecentCalls(recent, calls)
		warnIfRepeating(conv, recent, l.repeatedCallThreshold())
	}

	return Result{FinalText: lastText, Iterations: l.maxIterations(), Stop: StopIterationCap}
}

// catalog returns the tool catalog for the configured Mode: the full set in
// ModeNormal, ReadOnly-only in ModePlan/ModeSandbox.
func (l *Loop) catalog() ([]provider.Tool, string) {
	var mcpTools []mcp.Tool
	var listing string
	switch l.Mode {
	case ModePlan, ModeSandbox:
		mcpTools = l.Registry.FilterByRisk(permission.ReadOnly)
	default:
		mcpTools, listing = l.Registry.GenerateCatalog()
	}

	providerTools := make([]provider.Tool, len(mcpTools))
	var sb strings.Builder
	for i, t := range mcpTools {
		providerTools[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		if listing == "" {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if listing == "" {
		listing = sb.String()
	}
	return providerTools, listing
}

// assistantAccumulation holds one iteration's streamed output.
type assistantAccumulation struct {
	visible   string
	reasoning string
	raw       string
}

// collect drains events, threading content through a TagFilter so
// user-visible text never includes tagged tool-call/reasoning markup, while
// accumulating the raw text for the post-stream parser. Native tool-call
// deltas are accumulated by index, matching the teacher's toolCallAccumulator.
func (l *Loop) collect(events <-chan provider.StreamEvent, watchdog *stream.IdleWatchdog) (assistantAccumulation, []toolcall.Call, error) {
	filter := stream.NewTagFilter(l.SuppressThinkFromVisible)
	tca := newToolCallAccumulator()
	var reasoning strings.Builder

	for evt := range events {
		watchdog.Reset(l.idleTimeout())

		switch evt.Type {
		case provider.EventContentDelta:
			delta := filter.Feed(evt.Content)
			if delta != "" && l.OnDelta != nil {
				l.OnDelta(delta)
			}
		case provider.EventReasoningDelta:
			reasoning.WriteString(evt.Content)
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventUsage:
			if l.OnUsage != nil {
				l.OnUsage(evt.InputTokens, evt.OutputTokens)
			}
		case provider.EventError:
			return assistantAccumulation{}, nil, evt.Err
		case provider.EventDone:
			// finalize below
		}
	}

	if delta := filter.Flush(); delta != "" && l.OnDelta != nil {
		l.OnDelta(delta)
	}

	return assistantAccumulation{
		visible:   filter.Visible(),
		reasoning: reasoning.String(),
		raw:       filter.Raw(),
	}, tca.finalize(), nil
}

// toolCallAccumulator tracks native tool calls as they stream in, grouped
// by the protocol's ToolCallIndex.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []toolcall.Call
	argBuilders []strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, toolcall.Call{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, strings.Builder{})
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	pos, ok := a.byIndex[evt.ToolCallIndex]
	if !ok {
		return
	}
	a.argBuilders[pos].WriteString(evt.ToolCallArgs)
}

func (a *toolCallAccumulator) finalize() []toolcall.Call {
	for i := range a.calls {
		a.calls[i].Arguments = []byte(a.argBuilders[i].String())
	}
	return a.calls
}

// mergeCalls applies the native-wins rule from §4.1 step 5: if the model
// used the structured tool-calling channel at all, text-parsed calls from
// the same turn are ignored.
func mergeCalls(native, parsed []toolcall.Call) []toolcall.Call {
	if len(native) > 0 {
		return native
	}
	return parsed
}

func toConversationToolCalls(calls []toolcall.Call) []conversation.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = conversation.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// toProviderMessages serializes conv to the provider wire format: system
// prompt first (augmented with the textual tool listing for models without
// native function calling), then the ordered messages.
func toProviderMessages(conv *conversation.Conversation, toolListing string) []provider.Message {
	messages := conv.Messages()
	out := make([]provider.Message, 0, len(messages)+1)

	system := conv.SystemPrompt()
	if toolListing != "" {
		system = strings.TrimRight(system, "\n") + "\n\nAvailable tools:\n" + toolListing
	}
	if system != "" {
		out = append(out, provider.Message{Role: "system", Content: system})
	}

	for _, m := range messages {
		out = append(out, provider.Message{
			Role:         m.Role,
			Content:      m.Content,
			Reasoning:    m.Reasoning,
			ToolCalls:    toProviderToolCalls(m.ToolCalls),
			ToolCallID:   m.ToolCallID,
			CreatedAt:    m.CreatedAt,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
		})
	}
	return out
}

func toProviderToolCalls(calls []conversation.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = provider.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// injectRecitation appends a system reminder to the last tool-result
// message every interval iterations, carrying forward the scratchpad (or,
// absent one, the user's original request) so long tool-calling runs don't
// drift off task.
func injectRecitation(conv *conversation.Conversation, pad ScratchpadReader, iteration, interval int) {
	if iteration == 0 || iteration%interval != 0 {
		return
	}

	var reminder string
	if pad != nil {
		reminder = pad.Content()
	}
	if reminder == "" {
		for _, m := range conv.Messages() {
			if m.Role == "user" {
				reminder = "The user's request: " + m.Content
				break
			}
		}
	}
	if reminder == "" {
		return
	}

	tag := "\n\n<system-reminder>\n"
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "tool" {
			msgs[i].Content = stripTrailingReminder(msgs[i].Content, tag) + tag + reminder + "\n</system-reminder>"
			return
		}
	}
}

func stripTrailingReminder(content, tag string) string {
	if idx := strings.Index(content, tag); idx >= 0 {
		return content[:idx]
	}
	return content
}

func appendRecentCalls(recent []recentCall, calls []toolcall.Call) []recentCall {
	for _, c := range calls {
		recent = append(recent, recentCall{name: c.Name, args: string(c.Arguments)})
	}
	return recent
}

// warnIfRepeating appends a system-reminder warning to the most recent tool
// result once the same name+arguments pair has repeated threshold times in
// a row, without terminating the loop.
func warnIfRepeating(conv *conversation.Conversation, recent []recentCall, threshold int) {
	if len(recent) < threshold {
		return
	}
	window := recent[len(recent)-threshold:]
	first := window[0]
	for _, c := range window[1:] {
		if c != first {
			return
		}
	}

	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "tool" {
			msgs[i].Content += "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
			return
		}
	}
	log.Warn().Msg("agent: repeated-call guard triggered but no tool message found to annotate")
}
