package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xonecas/agentcli/internal/conversation"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/provider"
	"github.com/xonecas/agentcli/internal/tools"
)

// scriptedProvider replays a fixed sequence of turns, one per ChatStream
// call, so loop tests are deterministic without a live model.
type scriptedProvider struct {
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	content   string
	toolCalls []provider.ToolCall
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	turn := p.turns[p.calls]
	p.calls++

	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		if turn.content != "" {
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: turn.content}
		}
		for i, tc := range turn.toolCalls {
			ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

func newLoopTestRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.Entry{
		Tool: mcp.Tool{
			Name:        "echo",
			Description: "echoes its arguments",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		Risk:    permission.ReadOnly,
		Handler: echoHandler,
	})
	return reg
}

func TestRunUntilQuietStopsWhenNoToolCalls(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptedTurn{{content: "all done"}}}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:   prov,
		Registry:   reg,
		Dispatcher: &Dispatcher{Registry: reg, Permission: allowAllEngine()},
	}
	conv := conversation.New(100000)
	conv.AppendUser("hello")

	result := loop.RunUntilQuiet(context.Background(), conv)
	if result.Stop != StopNoToolCalls {
		t.Fatalf("expected StopNoToolCalls, got %v", result.Stop)
	}
	if result.FinalText != "all done" {
		t.Errorf("got %q", result.FinalText)
	}
	if result.Iterations != 1 {
		t.Errorf("expected 1 iteration, got %d", result.Iterations)
	}
}

func TestRunUntilQuietDispatchesNativeToolCallsThenStops(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []provider.ToolCall{{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"path":"a.txt"}`)}}},
		{content: "finished"},
	}}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:   prov,
		Registry:   reg,
		Dispatcher: &Dispatcher{Registry: reg, Permission: allowAllEngine()},
	}
	conv := conversation.New(100000)
	conv.AppendUser("use the echo tool")

	result := loop.RunUntilQuiet(context.Background(), conv)
	if result.Stop != StopNoToolCalls || result.FinalText != "finished" {
		t.Fatalf("got %+v", result)
	}

	var sawToolResult bool
	for _, m := range conv.Messages() {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("expected a tool result message appended for call_1")
	}
}

func TestRunUntilQuietPreferssNativeCallsOverTextParsed(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptedTurn{
		{
			content:   `<tool_call>{"name":"echo","arguments":{"path":"ignored.txt"}}</tool_call>`,
			toolCalls: []provider.ToolCall{{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"path":"native.txt"}`)}},
		},
		{content: "done"},
	}}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:   prov,
		Registry:   reg,
		Dispatcher: &Dispatcher{Registry: reg, Permission: allowAllEngine()},
	}
	conv := conversation.New(100000)
	conv.AppendUser("go")

	loop.RunUntilQuiet(context.Background(), conv)

	var toolResultContent string
	for _, m := range conv.Messages() {
		if m.Role == "tool" {
			toolResultContent = m.Content
		}
	}
	if toolResultContent != `{"path":"native.txt"}` {
		t.Errorf("expected the native call to win, got %q", toolResultContent)
	}
}

func TestRunUntilQuietFallsBackToTextParsedCalls(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptedTurn{
		{content: `<tool_call>{"name":"echo","arguments":{"path":"parsed.txt"}}</tool_call>`},
		{content: "done"},
	}}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:   prov,
		Registry:   reg,
		Dispatcher: &Dispatcher{Registry: reg, Permission: allowAllEngine()},
	}
	conv := conversation.New(100000)
	conv.AppendUser("go")

	loop.RunUntilQuiet(context.Background(), conv)

	var toolResultContent string
	for _, m := range conv.Messages() {
		if m.Role == "tool" {
			toolResultContent = m.Content
		}
	}
	if toolResultContent != `{"path":"parsed.txt"}` {
		t.Errorf("expected the text-parsed call to be dispatched, got %q", toolResultContent)
	}
}

func TestRunUntilQuietHidesToolCallMarkupFromVisibleText(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptedTurn{
		{content: `before<tool_call>{"name":"echo","arguments":{"path":"x"}}</tool_call>after`},
		{content: "done"},
	}}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:   prov,
		Registry:   reg,
		Dispatcher: &Dispatcher{Registry: reg, Permission: allowAllEngine()},
	}
	conv := conversation.New(100000)
	conv.AppendUser("go")

	loop.RunUntilQuiet(context.Background(), conv)

	for _, m := range conv.Messages() {
		if m.Role == "assistant" && m.Content != "" {
			if m.Content != "beforeafter" {
				t.Errorf("expected markup stripped from visible text, got %q", m.Content)
			}
		}
	}
}

func TestRunUntilQuietStopsAtIterationCap(t *testing.T) {
	turns := make([]scriptedTurn, 5)
	for i := range turns {
		turns[i] = scriptedTurn{toolCalls: []provider.ToolCall{{ID: "c", Name: "echo", Arguments: json.RawMessage(`{"path":"a"}`)}}}
	}
	prov := &scriptedProvider{turns: turns}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:      prov,
		Registry:      reg,
		Dispatcher:    &Dispatcher{Registry: reg, Permission: allowAllEngine()},
		MaxIterations: 3,
	}
	conv := conversation.New(100000)
	conv.AppendUser("go")

	result := loop.RunUntilQuiet(context.Background(), conv)
	if result.Stop != StopIterationCap {
		t.Fatalf("expected StopIterationCap, got %v", result.Stop)
	}
	if result.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", result.Iterations)
	}
}

func TestRunUntilQuietInjectsRecitationOnSchedule(t *testing.T) {
	turns := make([]scriptedTurn, 3)
	for i := range turns {
		turns[i] = scriptedTurn{toolCalls: []provider.ToolCall{{ID: "c", Name: "echo", Arguments: json.RawMessage(`{"path":"a"}`)}}}
	}
	prov := &scriptedProvider{turns: turns}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:                    prov,
		Registry:                    reg,
		Dispatcher:                  &Dispatcher{Registry: reg, Permission: allowAllEngine()},
		MaxIterations:               2,
		RecitationIntervalIterations: 1,
	}
	conv := conversation.New(100000)
	conv.AppendUser("do the thing")

	loop.RunUntilQuiet(context.Background(), conv)

	var sawRecitation bool
	for _, m := range conv.Messages() {
		if m.Role == "tool" && contains(m.Content, "system-reminder") {
			sawRecitation = true
		}
	}
	if !sawRecitation {
		t.Error("expected a recitation reminder appended to a tool message")
	}
}

func TestRunUntilQuietWarnsOnRepeatedIdenticalCalls(t *testing.T) {
	turns := make([]scriptedTurn, 4)
	for i := range turns {
		turns[i] = scriptedTurn{toolCalls: []provider.ToolCall{{ID: "c", Name: "echo", Arguments: json.RawMessage(`{"path":"same.txt"}`)}}}
	}
	prov := &scriptedProvider{turns: turns}
	reg := newLoopTestRegistry()
	loop := &Loop{
		Provider:              prov,
		Registry:              reg,
		Dispatcher:            &Dispatcher{Registry: reg, Permission: allowAllEngine()},
		MaxIterations:         3,
		RepeatedCallThreshold: 3,
	}
	conv := conversation.New(100000)
	conv.AppendUser("repeat forever")

	loop.RunUntilQuiet(context.Background(), conv)

	var sawWarning bool
	for _, m := range conv.Messages() {
		if m.Role == "tool" && contains(m.Content, "repeating the same tool call") {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("expected a repeated-call warning appended")
	}
}

func contains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
