package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/toolcall"
	"github.com/xonecas/agentcli/internal/tools"
)

func echoHandler(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(arguments)}}}, nil
}

func errHandler(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "boom"}}, IsError: true}, nil
}

func newTestRegistry() *tools.Registry {
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
	reg.Register(tools.Entry{
		Tool: mcp.Tool{
			Name:        "fail",
			Description: "always errors",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		Risk:    permission.Dangerous,
		Handler: errHandler,
	})
	return reg
}

func allowAllEngine() *permission.Engine {
	return permission.New(permission.Config{AutoApproveAll: true}, nil)
}

func TestDispatchUnknownToolSuggestsClosestMatch(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine()}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "ech", Arguments: json.RawMessage(`{}`)})
	if !res.IsError {
		t.Fatal("expected error for unknown tool")
	}
	if !strings.Contains(res.Content, "Did you mean") {
		t.Errorf("expected closest-match suggestion, got %q", res.Content)
	}
}

func TestDispatchRejectsOutOfModeCallEvenIfNotOffered(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine(), Mode: ModePlan}
	// "fail" is registered Dangerous; ModePlan's catalog filter would never
	// offer it to the model, but a hallucinated/injected call must still be
	// rejected at dispatch time rather than executed.
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "fail", Arguments: json.RawMessage(`{}`)})
	if !res.IsError || !strings.Contains(res.Content, "not permitted in the current mode") {
		t.Fatalf("expected mode-rejection, got %+v", res)
	}
}

func TestDispatchAllowsReadOnlyCallInPlanMode(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine(), Mode: ModePlan}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"path":"a"}`)})
	if res.IsError {
		t.Fatalf("expected ReadOnly tool to be allowed in ModePlan, got %+v", res)
	}
}

func TestDispatchDeniedByPermission(t *testing.T) {
	engine := permission.New(permission.Config{Disabled: []string{"echo"}}, nil)
	d := &Dispatcher{Registry: newTestRegistry(), Permission: engine}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"path":"a"}`)})
	if !res.IsError || !strings.Contains(res.Content, "Permission denied") {
		t.Fatalf("expected permission denial, got %+v", res)
	}
}

func TestDispatchAliasNormalization(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine()}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"file_path":"a.txt"}`)})
	if res.IsError {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Content, `"path":"a.txt"`) {
		t.Errorf("expected file_path aliased to path, got %q", res.Content)
	}
}

func TestDispatchMissingRequiredArgument(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine()}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{}`)})
	if !res.IsError || !strings.Contains(res.Content, "missing required argument") {
		t.Fatalf("expected missing-argument error, got %+v", res)
	}
}

func TestDispatchSoleArgumentPromotedToRequired(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine()}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"unrecognized_key":"a.txt"}`)})
	if res.IsError {
		t.Fatalf("expected the sole argument to be promoted to the required name, got %+v", res)
	}
}

func TestDispatchErrorResultGetsErrorPrefix(t *testing.T) {
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine()}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "fail", Arguments: json.RawMessage(`{}`)})
	if !res.IsError || res.Content != "ERROR: boom" {
		t.Fatalf("got %+v", res)
	}
}

func TestDispatchDirectoryRestrictionRejectsOutsidePath(t *testing.T) {
	root := t.TempDir()
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine(), RestrictedRoot: root}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"path":"../../etc/passwd"}`)})
	if !res.IsError || !strings.Contains(res.Content, "outside the restricted directory") {
		t.Fatalf("got %+v", res)
	}
}

func TestDispatchDirectoryRestrictionAllowsInsidePath(t *testing.T) {
	root := t.TempDir()
	d := &Dispatcher{Registry: newTestRegistry(), Permission: allowAllEngine(), RestrictedRoot: root}
	res := d.Dispatch(context.Background(), toolcall.Call{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"path":"sub/file.txt"}`)})
	if res.IsError {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestExecuteAllPreservesOrderAcrossVaryingLatency(t *testing.T) {
	reg := tools.NewRegistry()
	for i := 0; i < 5; i++ {
		name := []string{"a", "b", "c", "d", "e"}[i]
		idx := i
		reg.Register(tools.Entry{
			Tool: mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
			Risk: permission.ReadOnly,
			Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
				time.Sleep(time.Duration(5-idx) * time.Millisecond)
				return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: name}}}, nil
			},
		})
	}
	d := &Dispatcher{Registry: reg, Permission: allowAllEngine()}
	calls := []toolcall.Call{
		{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
		{ID: "3", Name: "c", Arguments: json.RawMessage(`{}`)},
		{ID: "4", Name: "d", Arguments: json.RawMessage(`{}`)},
		{ID: "5", Name: "e", Arguments: json.RawMessage(`{}`)},
	}
	results := d.ExecuteAll(context.Background(), calls)
	want := []string{"a", "b", "c", "d", "e"}
	for i, r := range results {
		if r.Content != want[i] {
			t.Errorf("position %d: got %q, want %q", i, r.Content, want[i])
		}
	}
}

func TestExecuteAllIsolatesPanics(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Entry{
		Tool:    mcp.Tool{Name: "ok", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		Risk:    permission.ReadOnly,
		Handler: echoHandler,
	})
	reg.Register(tools.Entry{
		Tool: mcp.Tool{Name: "panics", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		Risk: permission.ReadOnly,
		Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
			panic("kaboom")
		},
	})
	d := &Dispatcher{Registry: reg, Permission: allowAllEngine()}
	results := d.ExecuteAll(context.Background(), []toolcall.Call{
		{ID: "1", Name: "panics", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "ok", Arguments: json.RawMessage(`{}`)},
	})
	if !results[0].IsError || !strings.Contains(results[0].Content, "panic") {
		t.Errorf("expected recovered panic in slot 0, got %+v", results[0])
	}
	if results[1].IsError {
		t.Errorf("expected slot 1 to succeed unaffected, got %+v", results[1])
	}
}

func TestExecuteAllRespectsMaxParallel(t *testing.T) {
	var mu concurrencyCounter
	reg := tools.NewRegistry()
	reg.Register(tools.Entry{
		Tool: mcp.Tool{Name: "slow", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		Risk: permission.ReadOnly,
		Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
			mu.enter()
			defer mu.leave()
			time.Sleep(10 * time.Millisecond)
			return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}}, nil
		},
	})
	d := &Dispatcher{Registry: reg, Permission: allowAllEngine(), MaxParallel: 2}
	calls := make([]toolcall.Call, 8)
	for i := range calls {
		calls[i] = toolcall.Call{ID: string(rune('a' + i)), Name: "slow", Arguments: json.RawMessage(`{}`)}
	}
	d.ExecuteAll(context.Background(), calls)
	if mu.max() > 2 {
		t.Errorf("expected at most 2 concurrent calls, observed %d", mu.max())
	}
}

func TestDiffPreviewEmptyWithoutCheckpointStore(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "f.txt")
	d := &Dispatcher{}
	if got := d.diffPreview("write_file", json.RawMessage(`{"path":"`+path+`"}`)); got != "" {
		t.Errorf("expected empty diff preview without a checkpoint store, got %q", got)
	}
}

func TestDiffPreviewComputesUnifiedDiffForMutatingTools(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(checkpoint.Schema); err != nil {
		t.Fatal(err)
	}
	store := checkpoint.New(db)

	tmp := t.TempDir()
	path := filepath.Join(tmp, "f.txt")
	if err := os.WriteFile(path, []byte("before\n"), 0644); err != nil {
		t.Fatal(err)
	}
	store.Snapshot("sess-1", path)
	if err := os.WriteFile(path, []byte("after\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := &Dispatcher{Checkpoint: store, SessionID: "sess-1"}
	diff := d.diffPreview("write_file", json.RawMessage(`{"path":"`+path+`"}`))
	if !strings.Contains(diff, "-before") || !strings.Contains(diff, "+after") {
		t.Errorf("expected a unified diff showing before/after, got %q", diff)
	}
}

func TestDiffPreviewSkipsNonMutatingTools(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(checkpoint.Schema); err != nil {
		t.Fatal(err)
	}
	store := checkpoint.New(db)

	d := &Dispatcher{Checkpoint: store, SessionID: "sess-1"}
	if got := d.diffPreview("read_file", json.RawMessage(`{"path":"/tmp/x"}`)); got != "" {
		t.Errorf("expected no diff preview for a non-mutating tool, got %q", got)
	}
}

// concurrencyCounter tracks the maximum number of concurrently-active callers.
type concurrencyCounter struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (c *concurrencyCounter) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
}

func (c *concurrencyCounter) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current--
}

func (c *concurrencyCounter) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}
