package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
)

func echoEntry(name string, risk permission.RiskLevel) Entry {
	return Entry{
		Tool: mcp.Tool{Name: name, Description: "test tool " + name},
		Risk: risk,
		Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
		},
	}
}

func TestRegistryResolveCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("read_file", permission.ReadOnly))

	if _, ok := r.Resolve("READ_FILE"); !ok {
		t.Fatal("expected case-insensitive resolve to succeed")
	}
}

func TestRegistryRegisterReplacesDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("bash", permission.Dangerous))
	r.Register(echoEntry("bash", permission.Moderate))

	e, ok := r.Resolve("bash")
	if !ok || e.Risk != permission.Moderate {
		t.Fatalf("expected second registration to replace the first, got %+v", e)
	}
}

func TestFindClosestMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("read_file", permission.ReadOnly))
	r.Register(echoEntry("write_file", permission.Moderate))

	match, ok := r.FindClosestMatch("read_fil")
	if !ok || match != "read_file" {
		t.Fatalf("expected close match 'read_file', got %q (ok=%v)", match, ok)
	}

	if _, ok := r.FindClosestMatch("completely_unrelated_name"); ok {
		t.Fatal("expected no match for an unrelated name")
	}
}

func TestGenerateCatalogIsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("write_file", permission.Moderate))
	r.Register(echoEntry("bash", permission.Dangerous))
	r.Register(echoEntry("read_file", permission.ReadOnly))

	schemas, listing := r.GenerateCatalog()
	if len(schemas) != 3 {
		t.Fatalf("expected 3 schemas, got %d", len(schemas))
	}
	names := []string{schemas[0].Name, schemas[1].Name, schemas[2].Name}
	want := []string{"bash", "read_file", "write_file"}
	for i, w := range want {
		if names[i] != w {
			t.Fatalf("expected sorted order %v, got %v", want, names)
		}
	}
	if listing == "" {
		t.Fatal("expected non-empty textual listing")
	}
}

func TestFilterByRiskExcludesHigherRisk(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("read_file", permission.ReadOnly))
	r.Register(echoEntry("bash", permission.Dangerous))

	readOnly := r.FilterByRisk(permission.ReadOnly)
	if len(readOnly) != 1 || readOnly[0].Name != "read_file" {
		t.Fatalf("expected only read_file at ReadOnly filter, got %+v", readOnly)
	}
}

func TestCallUnknownToolReturnsError(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Call(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error calling an unregistered tool")
	}
}

func TestCallDispatchesToHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(echoEntry("read_file", permission.ReadOnly))

	result, err := r.Call(context.Background(), "read_file", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
