// Package tools implements the tool registry: case-insensitive name
// resolution, closest-match suggestions, risk-aware catalog generation, and
// dispatch shared by built-in tools and MCP-proxied tools alike.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
)

// Entry is one registered tool: its wire schema, risk classification, and handler.
type Entry struct {
	Tool    mcp.Tool
	Risk    permission.RiskLevel
	Handler mcp.ToolHandler
}

// Registry indexes tools by case-insensitive name. Safe for concurrent use —
// reads (Resolve, GenerateCatalog, Call) take an RLock; Register takes the
// write lock, and is expected only at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Entry)}
}

// Register indexes tool by its lowercased name. A second Register call under
// the same name (case-insensitively) replaces the prior entry.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(e.Tool.Name)] = e
}

// Resolve looks up a tool by name, case-insensitively.
func (r *Registry) Resolve(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[strings.ToLower(name)]
	return e, ok
}

// FindClosestMatch returns the nearest registered tool name within edit
// distance 2 of name, or ok=false if none qualifies.
func (r *Registry) FindClosestMatch(name string) (match string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(name)
	bestDist := 3 // anything >= 3 disqualifies
	for key, e := range r.tools {
		d := levenshtein(needle, key)
		if d < bestDist {
			bestDist = d
			match = e.Tool.Name
			ok = true
		}
	}
	return match, ok
}

// GenerateCatalog returns the registered tools' schemas (for native function
// calling) sorted by name, plus a deterministic textual listing (for
// fallback prompting).
func (r *Registry) GenerateCatalog() ([]mcp.Tool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for k := range r.tools {
		names = append(names, k)
	}
	sort.Strings(names)

	schemas := make([]mcp.Tool, 0, len(names))
	var listing strings.Builder
	for _, k := range names {
		e := r.tools[k]
		schemas = append(schemas, e.Tool)
		fmt.Fprintf(&listing, "- %s: %s\n", e.Tool.Name, e.Tool.Description)
	}
	return schemas, listing.String()
}

// FilterByRisk returns schemas for tools whose risk level is at most max,
// sorted by name. Used to restrict Plan/Sandbox modes to read-only tools.
func (r *Registry) FilterByRisk(max permission.RiskLevel) []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for k := range r.tools {
		names = append(names, k)
	}
	sort.Strings(names)

	var schemas []mcp.Tool
	for _, k := range names {
		e := r.tools[k]
		if e.Risk <= max {
			schemas = append(schemas, e.Tool)
		}
	}
	return schemas
}

// RiskOf reports the risk level registered for name.
func (r *Registry) RiskOf(name string) (permission.RiskLevel, bool) {
	e, ok := r.Resolve(name)
	if !ok {
		return 0, false
	}
	return e.Risk, true
}

// Call dispatches a tool invocation by name. Callers wanting the "unknown
// tool" / "did you mean" error text of §7 should check Resolve themselves
// first — Call returns a plain Go error here so dispatch-layer policy (retry,
// suggestion formatting) stays in the caller.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	e, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return e.Handler(ctx, arguments)
}
