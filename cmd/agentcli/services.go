package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/config"
	"github.com/xonecas/agentcli/internal/mcp"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/shell"
	"github.com/xonecas/agentcli/internal/store"
	"github.com/xonecas/agentcli/internal/tools"
)

// services holds the long-lived collaborators Run wires together: the tool
// registry (shared by the Dispatcher and, once populated, by any proxied
// MCP tools), the session store, checkpoint store, in-process shell, and —
// only when cfg.MCP.Upstream names a server command — the MCP proxy
// bridging that upstream's tools into the same registry.
type services struct {
	registry   *tools.Registry
	sessions   *store.SessionStore
	checkpoint *checkpoint.Store
	shell      *shell.Shell
	mcpProxy   *mcp.Proxy
}

func (s *services) Close() {
	if s.mcpProxy != nil {
		if err := s.mcpProxy.Close(); err != nil {
			log.Warn().Err(err).Msg("mcp proxy close failed")
		}
	}
	if err := s.sessions.Close(); err != nil {
		log.Warn().Err(err).Msg("session store close failed")
	}
}

func setupServices(ctx context.Context, cfg *config.Config, env []string) (*services, error) {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	sessions, err := store.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	cp := checkpoint.New(sessions.DB())
	sh := shell.New("", shell.DefaultBlockFuncs())
	reg := tools.NewRegistry()

	svc := &services{
		registry:   reg,
		sessions:   sessions,
		checkpoint: cp,
		shell:      sh,
	}

	if cfg.MCP.Upstream != "" {
		fields := strings.Fields(cfg.MCP.Upstream)
		client, err := mcp.NewClient(ctx, fields[0], fields[1:], env)
		if err != nil {
			log.Warn().Err(err).Str("upstream", cfg.MCP.Upstream).Msg("mcp upstream spawn failed; continuing without it")
		} else {
			proxy := mcp.NewProxy(client)
			if err := proxy.Initialize(ctx); err != nil {
				log.Warn().Err(err).Msg("mcp initialize failed")
			}
			svc.mcpProxy = proxy
		}
	} else {
		svc.mcpProxy = mcp.NewProxy(nil)
	}

	return svc, nil
}

// registerUpstreamTools, when an upstream server is configured, folds every
// tool the MCP proxy lists (that server's tools/list response plus any
// local registrations on the proxy) into the shared tools.Registry; with no
// upstream it registers nothing. The Agent Loop thus sees MCP
// tools exactly like built-ins — including the same Permission Engine
// check. Proxied tools default to Moderate risk: the registry has no way
// to know an upstream tool's actual danger level, and treating every
// unknown tool as auto-approved ReadOnly would widen the approval surface
// silently.
func registerUpstreamTools(ctx context.Context, svc *services, stderr io.Writer) {
	if svc.mcpProxy == nil || !svc.mcpProxy.HasUpstream() {
		return
	}
	if err := svc.mcpProxy.RegisterUpstreamTools(ctx); err != nil {
		fmt.Fprintf(stderr, "Warning: failed to register upstream MCP tools: %v\n", err)
		return
	}
	upstreamTools, err := svc.mcpProxy.ListTools(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: failed to list upstream MCP tools: %v\n", err)
		return
	}
	for _, t := range upstreamTools {
		t := t
		svc.registry.Register(tools.Entry{
			Tool: t,
			Risk: permission.Moderate,
			Handler: func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
				return svc.mcpProxy.CallTool(ctx, t.Name, arguments)
			},
		})
	}
}
