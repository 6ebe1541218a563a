package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/shell"
)

const (
	maxBashOutputChars = 30000
	maxBashTimeoutSec  = 600 // 10 minutes
)

// BashArgs are the arguments to bash.
type BashArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"` // seconds, default 60
}

// NewBashTool returns the bash tool definition.
func NewBashTool() mcp.Tool {
	return mcp.Tool{
		Name: "bash",
		Description: `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the project working directory. Shell state (cwd, env vars) persists across calls within the same session.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Use this for: running builds, tests, linters, git operations, file manipulation, and inspecting project state.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command":     {"type": "string", "description": "The shell command to execute"},
				"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
				"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60)"}
			},
			"required": ["command", "description"]
		}`),
	}
}

// NewBashHandler creates a handler for bash. store may be nil to skip undo
// tracking. onOutput, if non-nil, is called with incremental output chunks
// for real-time streaming.
func NewBashHandler(sh *shell.Shell, store *checkpoint.Store, session string, onOutput func(chunk string)) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args BashArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Command == "" {
			return toolError("command is required"), nil
		}

		timeout := 60
		if args.Timeout > 0 {
			timeout = args.Timeout
		}
		if timeout > maxBashTimeoutSec {
			timeout = maxBashTimeoutSec
		}
		ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		cwd := sh.Dir()
		trackDeltas := store != nil
		var preSnap map[string]checkpoint.FileStat
		if trackDeltas {
			preSnap = checkpoint.SnapshotDir(cwd)
		}

		var stdout, stderr bytes.Buffer
		var execErr error
		if onOutput != nil {
			execErr = sh.ExecStream(ctx, args.Command, &streamWriter{buf: &stdout, onChunk: onOutput}, &stderr)
		} else {
			execErr = sh.ExecStream(ctx, args.Command, &stdout, &stderr)
		}

		if trackDeltas {
			postSnap := checkpoint.SnapshotDir(cwd)
			checkpoint.RecordDirDeltas(store, session, cwd, preSnap, postSnap)
		}

		exitCode := shell.ExitCode(execErr)
		output := formatBashOutput(stdout.String(), stderr.String(), exitCode, ctx.Err())
		if output == "" {
			output = "(no output)\n"
		}
		if len([]rune(output)) > maxBashOutputChars {
			output = truncateMiddle(output, maxBashOutputChars)
		}

		if exitCode != 0 {
			return &mcp.ToolResult{
				Content: []mcp.ContentBlock{{Type: "text", Text: output}},
				IsError: true,
			}, nil
		}
		return toolText(output), nil
	}
}

type streamWriter struct {
	buf     *bytes.Buffer
	onChunk func(string)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 && w.onChunk != nil {
		w.onChunk(string(p[:n]))
	}
	return n, err
}

func formatBashOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		fmt.Fprintf(&b, "[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}
