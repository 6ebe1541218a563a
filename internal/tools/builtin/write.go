package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/mcp"
)

// WriteArgs are the arguments to write_file.
type WriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NewWriteFileTool returns the write_file tool definition.
func NewWriteFileTool() mcp.Tool {
	return mcp.Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories and the file itself if needed. Overwrites an existing file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":    {"type": "string", "description": "Path to the file to write"},
				"content": {"type": "string", "description": "Content to write to the file"}
			},
			"required": ["path", "content"]
		}`),
	}
}

// NewWriteFileHandler creates a handler for write_file. session identifies
// the caller for checkpoint snapshotting; store may be nil to skip undo support.
func NewWriteFileHandler(store *checkpoint.Store, session string) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args WriteArgs
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

		if store != nil {
			store.Snapshot(session, absPath)
		}

		dir := filepath.Dir(absPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return toolError("Failed to create directories: %v", err), nil
		}

		_, statErr := os.Stat(absPath)
		isNew := os.IsNotExist(statErr)

		if err := os.WriteFile(absPath, []byte(args.Content), 0644); err != nil {
			return toolError("Failed to write file: %v", err), nil
		}

		action := "Updated"
		if isNew {
			action = "Created"
		}
		lineCount := 1 + strings.Count(args.Content, "\n")

		return toolText(action + " " + args.Path + " (" + itoa(lineCount) + " lines)"), nil
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
