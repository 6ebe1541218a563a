package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xonecas/agentcli/internal/mcp"
)

// ReadArgs are the arguments to read_file.
type ReadArgs struct {
	Path  string `json:"path"`
	Start int    `json:"start,omitempty"` // 1-indexed, inclusive
	End   int    `json:"end,omitempty"`   // 1-indexed, inclusive
}

// NewReadFileTool returns the read_file tool definition.
func NewReadFileTool() mcp.Tool {
	return mcp.Tool{
		Name:        "read_file",
		Description: "Read a file's contents. Use start/end to read a line range instead of the whole file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":  {"type": "string", "description": "Path to the file to read"},
				"start": {"type": "integer", "description": "Starting line number (1-indexed, inclusive)"},
				"end":   {"type": "integer", "description": "Ending line number (1-indexed, inclusive)"}
			},
			"required": ["path"]
		}`),
	}
}

// ReadFileHandler handles read_file calls.
func ReadFileHandler(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ReadArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Path == "" {
		return toolError("path is required"), nil
	}

	absPath, err := validatePath(args.Path)
	if err != nil {
		return toolError("%v", err), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return toolError("Failed to read file: %v", err), nil
	}

	lines := strings.Split(string(content), "\n")
	selected, startLine, err := extractRange(lines, string(content), args.Start, args.End)
	if err != nil {
		return toolError("%v", err), nil
	}

	rangeInfo := ""
	if args.Start > 0 || args.End > 0 {
		end := args.End
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		rangeInfo = fmt.Sprintf(" (lines %d-%d)", startLine, end)
	}

	return toolText(fmt.Sprintf("%s%s:\n%s", args.Path, rangeInfo, selected)), nil
}

// extractRange returns the selected slice of lines joined back together, and
// the 1-indexed line number the selection starts at.
func extractRange(lines []string, full string, start, end int) (string, int, error) {
	if start <= 0 && end <= 0 {
		return full, 1, nil
	}
	if start <= 0 {
		start = 1
	}
	if start < 1 || start > len(lines) {
		return "", 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, len(lines))
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), start, nil
}
