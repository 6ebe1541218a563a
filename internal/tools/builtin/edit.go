package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/mcp"
)

// EditArgs are the arguments to edit_file.
type EditArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// NewEditFileTool returns the edit_file tool definition.
func NewEditFileTool() mcp.Tool {
	return mcp.Tool{
		Name: "edit_file",
		Description: `Edit a file by replacing old_string with new_string.
old_string must match exactly one location in the file unless replace_all is set.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":        {"type": "string", "description": "Path to the file to edit"},
				"old_string":  {"type": "string", "description": "Text to replace. Must be unique in the file unless replace_all is true."},
				"new_string":  {"type": "string", "description": "Replacement text. May be empty to delete old_string."},
				"replace_all": {"type": "boolean", "description": "If true, replace every occurrence. Default: false (replace exactly one)."}
			},
			"required": ["path", "old_string", "new_string"]
		}`),
	}
}

// NewEditFileHandler creates a handler for edit_file. store may be nil to
// skip undo support.
func NewEditFileHandler(store *checkpoint.Store, session string) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args EditArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Path == "" {
			return toolError("path is required"), nil
		}
		if args.OldString == args.NewString {
			return toolError("old_string and new_string must differ"), nil
		}

		absPath, err := validatePath(args.Path)
		if err != nil {
			return toolError("%v", err), nil
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return toolError("file not found: %s", args.Path), nil
			}
			return toolError("Failed to read file: %v", err), nil
		}
		oldContent := string(content)

		count := strings.Count(oldContent, args.OldString)
		if count == 0 {
			return toolError("old_string not found in %s", args.Path), nil
		}
		if !args.ReplaceAll && count > 1 {
			return toolError("old_string is not unique in %s (found %d occurrences); pass replace_all=true to replace all, or narrow old_string", args.Path, count), nil
		}

		var newContent string
		var replaced int
		if args.ReplaceAll {
			replaced = count
			newContent = strings.ReplaceAll(oldContent, args.OldString, args.NewString)
		} else {
			replaced = 1
			newContent = strings.Replace(oldContent, args.OldString, args.NewString, 1)
		}

		if store != nil {
			store.Snapshot(session, absPath)
		}

		if err := os.WriteFile(absPath, []byte(newContent), 0644); err != nil {
			return toolError("Failed to write file: %v", err), nil
		}

		return toolText(fmt.Sprintf("Edited %s (%d replacement(s))", args.Path, replaced)), nil
	}
}
