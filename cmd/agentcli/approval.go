package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xonecas/agentcli/internal/permission"
)

// stdioPrompter implements permission.ApprovalPrompter over the process's
// own stdin/stdout: it prints the pending call (and its diff preview, when
// present) and reads a single line of y/n/a.
type stdioPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *stdioPrompter) Prompt(req permission.ApprovalRequest) permission.ApprovalOutcome {
	fmt.Fprintf(p.out, "\n%s wants to run %s (%s)\n", "agentcli", req.ToolName, req.Risk)
	if req.Diff != "" {
		fmt.Fprintln(p.out, req.Diff)
	} else {
		fmt.Fprintf(p.out, "arguments: %s\n", string(req.ArgsJSON))
	}
	fmt.Fprint(p.out, "Allow? [y]es / [n]o / [a]lways for this session: ")

	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return permission.Denied
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return permission.Approved
	case "a", "always":
		return permission.ApproveAll
	default:
		return permission.Denied
	}
}
