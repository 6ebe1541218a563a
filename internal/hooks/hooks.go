// Package hooks runs operator-configured pre/post commands around tool
// calls, using the same POSIX interpreter the bash tool runs on.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/xonecas/agentcli/internal/shell"
)

// PreTimeout bounds how long a pre-hook may run before it is killed and
// treated as a blocking failure.
const PreTimeout = 30 * time.Second

// postTimeout bounds a fire-and-forget post-hook so a hung script can't
// leak its goroutine forever.
const postTimeout = 30 * time.Second

// Config maps a tool name, or the wildcard "*", to the shell command to run
// before and/or after that tool executes. A specific tool-name entry takes
// priority over the wildcard.
type Config struct {
	Pre  map[string]string
	Post map[string]string
}

// Hooks runs pre/post hook commands for tool calls.
type Hooks struct {
	cfg Config
	env []string
}

// New returns a Hooks using cfg, running commands with env as the
// interpreter's environment (typically the same env a Shell exposes via
// Env(), so hooks see the same exported vars as the bash tool — but not its
// BannedCommands blocklist, since hooks are operator-configured rather than
// model-driven).
func New(cfg Config, env []string) *Hooks {
	return &Hooks{cfg: cfg, env: env}
}

// ErrBlocked is the sentinel wrapped by RunPre when a pre-hook exits
// non-zero. Callers should check errors.Is(err, ErrBlocked) to distinguish
// "the hook refused this call" from "the hook itself failed to run."
var ErrBlocked = errors.New("tool call blocked by pre-hook")

// RunPre runs the configured pre-hook for toolName, if any, passing argsJSON
// on its stdin. A non-zero exit blocks the tool call. Returns nil if no
// pre-hook is configured for this tool.
func (h *Hooks) RunPre(ctx context.Context, toolName string, argsJSON []byte) error {
	command, ok := resolve(h.cfg.Pre, toolName)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, PreTimeout)
	defer cancel()

	exitCode, stderr, err := run(ctx, command, h.env, argsJSON)
	if err != nil {
		return fmt.Errorf("pre-hook for %s: %w", toolName, err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitCode)
		}
		return fmt.Errorf("%w: %s: %s", ErrBlocked, toolName, msg)
	}
	return nil
}

// RunPost runs the configured post-hook for toolName, if any, in the
// background. Its outcome is never observed by the caller.
func (h *Hooks) RunPost(toolName string, argsJSON []byte) {
	command, ok := resolve(h.cfg.Post, toolName)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		_, _, _ = run(ctx, command, h.env, argsJSON)
	}()
}

// resolve looks up toolName in m, falling back to the "*" wildcard entry.
func resolve(m map[string]string, toolName string) (string, bool) {
	if m == nil {
		return "", false
	}
	if cmd, ok := m[toolName]; ok {
		return cmd, true
	}
	if cmd, ok := m["*"]; ok {
		return cmd, true
	}
	return "", false
}

// run executes command in a fresh interpreter instance with stdin on its
// input, returning the process exit code. A fresh instance is used rather
// than a shared Shell so hooks never inherit the bash tool's BannedCommands
// blocklist or its persistent cwd.
func run(ctx context.Context, command string, env []string, stdin []byte) (exitCode int, stderrOut string, err error) {
	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return 0, "", fmt.Errorf("could not parse hook command: %w", err)
	}

	var stderr bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(bytes.NewReader(stdin), io.Discard, &stderr),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(env...)),
	)
	if err != nil {
		return 0, "", fmt.Errorf("could not create hook interpreter: %w", err)
	}

	runErr := runner.Run(ctx, parsed)
	return shell.ExitCode(runErr), stderr.String(), nil
}
