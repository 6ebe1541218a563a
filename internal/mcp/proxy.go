// Package mcp implements Model Context Protocol client and proxy functionality.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ToolHandler is a function that handles a tool call.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)

// Proxy combines an upstream MCP client with local tool handlers, exposing
// both through a single ListTools/CallTool surface so upstream tools are
// indistinguishable from built-in ones to the rest of the system.
type Proxy struct {
	mu            sync.RWMutex
	upstream      UpstreamClient
	localTools    map[string]Tool
	localHandlers map[string]ToolHandler
}

// ErrToolRetryExhausted is returned when an upstream tool call fails on
// every retry attempt.
var ErrToolRetryExhausted = errors.New("mcp tool call failed after retries")

// toolRetryDelays is the backoff sequence for upstream connect/call retries.
var toolRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// NewProxy creates a new MCP proxy.
func NewProxy(upstream UpstreamClient) *Proxy {
	return &Proxy{
		upstream:      upstream,
		localTools:    make(map[string]Tool),
		localHandlers: make(map[string]ToolHandler),
	}
}

// RegisterTool registers a local tool with the proxy.
func (p *Proxy) RegisterTool(tool Tool, handler ToolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.localTools[tool.Name] = tool
	p.localHandlers[tool.Name] = handler
}

// RegisterUpstreamTools enumerates the upstream's tool list and registers
// each as a proxied local tool prefixed with "mcp_" to avoid name
// collisions with built-ins, per the transparent-proxy design.
func (p *Proxy) RegisterUpstreamTools(ctx context.Context) error {
	if p.upstream == nil {
		return nil
	}
	tools, err := p.upstream.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list upstream tools: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tools {
		proxied := t
		proxied.Name = "mcp_" + t.Name
		upstreamName := t.Name
		p.localTools[proxied.Name] = proxied
		p.localHandlers[proxied.Name] = func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
			var args interface{}
			if len(arguments) > 0 {
				if err := json.Unmarshal(arguments, &args); err != nil {
					return nil, fmt.Errorf("unmarshal arguments: %w", err)
				}
			}
			return p.callUpstreamWithRetry(ctx, upstreamName, args)
		}
	}
	return nil
}

// ListTools returns all available tools (local, built-in, and proxied MCP).
func (p *Proxy) ListTools(ctx context.Context) ([]Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tools := make([]Tool, 0, len(p.localTools))
	for _, t := range p.localTools {
		tools = append(tools, t)
	}
	return tools, nil
}

// CallTool invokes a tool, checking local and proxied handlers.
func (p *Proxy) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	p.mu.RLock()
	handler, isLocal := p.localHandlers[name]
	p.mu.RUnlock()

	if isLocal {
		return handler(ctx, arguments)
	}

	errorMsg := fmt.Sprintf("tool not found: %s", name)
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: errorMsg}},
		IsError: true,
	}, nil
}

// callUpstreamWithRetry calls the upstream, retrying on transient failures
// using toolRetryDelays. Context cancellation aborts immediately.
func (p *Proxy) callUpstreamWithRetry(ctx context.Context, name string, args interface{}) (*ToolResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(toolRetryDelays); attempt++ {
		if attempt > 0 {
			delay := toolRetryDelays[attempt-1]
			log.Warn().
				Str("tool", name).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying mcp tool call after error")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := p.upstream.CallTool(ctx, name, args)
		if err == nil {
			if attempt > 0 {
				log.Info().Str("tool", name).Int("attempt", attempt+1).Msg("mcp tool call succeeded after retry")
			}
			return result, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}

	log.Error().
		Str("tool", name).
		Int("total_attempts", len(toolRetryDelays)+1).
		Err(lastErr).
		Msg("mcp tool call failed after all retries")

	return nil, fmt.Errorf("%w: %v", ErrToolRetryExhausted, lastErr)
}

// Initialize initializes the upstream connection and registers its tools,
// retrying the spawn/handshake up to len(toolRetryDelays) additional times
// before giving up and leaving the proxy with no upstream tools.
func (p *Proxy) Initialize(ctx context.Context) error {
	if p.upstream == nil {
		return nil
	}

	clientInfo := map[string]interface{}{
		"name":    "agentcli",
		"version": "0.1.0",
	}

	var lastErr error
	for attempt := 0; attempt <= len(toolRetryDelays); attempt++ {
		if attempt > 0 {
			delay := toolRetryDelays[attempt-1]
			log.Warn().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying mcp initialize")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := p.upstream.Initialize(ctx, clientInfo)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Error != nil {
			lastErr = fmt.Errorf("upstream error: %s", resp.Error.Message)
			continue
		}

		if err := p.RegisterUpstreamTools(ctx); err != nil {
			return fmt.Errorf("register upstream tools: %w", err)
		}
		return nil
	}

	return fmt.Errorf("initialize upstream after %d attempts: %w", len(toolRetryDelays)+1, lastErr)
}

// HasUpstream returns true if an upstream client is configured.
func (p *Proxy) HasUpstream() bool {
	return p.upstream != nil
}

// LocalToolCount returns the number of registered local tools.
func (p *Proxy) LocalToolCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.localTools)
}

// Close closes the upstream client connection if available.
func (p *Proxy) Close() error {
	p.mu.RLock()
	upstream := p.upstream
	p.mu.RUnlock()

	if upstream != nil {
		if closer, ok := upstream.(interface{ Close() error }); ok {
			return closer.Close()
		}
	}
	return nil
}
