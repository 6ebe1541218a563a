package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerState is the lifecycle state of a spawned MCP server subprocess.
type ServerState int

const (
	Spawning ServerState = iota
	Initializing
	Ready
	Closing
	Closed
)

func (s ServerState) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingCall holds the channel a caller is waiting on for a response.
type pendingCall struct {
	resp chan *Response
}

// Client is an MCP client that drives a spawned subprocess over
// newline-delimited JSON-RPC 2.0 on its stdin/stdout.
type Client struct {
	mu    sync.Mutex
	state ServerState

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	requestID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]pendingCall

	readErr chan error
}

// NewClient spawns command with args and env, and starts reading its
// stdout for JSON-RPC responses. A non-empty env becomes the subprocess's
// whole environment; with an empty env it inherits this process's.
func NewClient(ctx context.Context, command string, args, env []string) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	c := &Client{
		state:   Spawning,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]pendingCall),
		readErr: make(chan error, 1),
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	c.stdout = scanner

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: spawn %s: %w", command, err)
	}

	go c.readLoop()

	return c, nil
}

// readLoop reads newline-delimited JSON-RPC responses and dispatches them
// to the pending call waiting on each id.
func (c *Client) readLoop() {
	for c.stdout.Scan() {
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Msg("mcp: malformed response line")
			continue
		}
		id, ok := idAsInt64(resp.ID)
		if !ok {
			continue
		}
		c.pendingMu.Lock()
		pc, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if found {
			pc.resp <- &resp
		}
	}
	err := c.stdout.Err()
	if err == nil {
		err = io.EOF
	}
	c.readErr <- err

	c.pendingMu.Lock()
	for id, pc := range c.pending {
		close(pc.resp)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func idAsInt64(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *Client) nextID() int64 {
	return c.requestID.Add(1)
}

// Call sends a JSON-RPC request and waits for its matched response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.nextID()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = pendingCall{resp: ch}
	c.pendingMu.Unlock()

	if err := c.writeLine(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: connection closed while waiting for response to %s", method)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no id, no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: marshal notify params: %w", err)
		}
		req.Params = data
	}
	return c.writeLine(req)
}

func (c *Client) writeLine(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Initialize performs the initialize handshake and sends the
// notifications/initialized follow-up.
func (c *Client) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	c.setState(Initializing)
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}

	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	if resp.Error != nil {
		return resp, nil
	}

	if err := c.Notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("mcp: send initialized notification: %w", err)
	}
	c.setState(Ready)
	return resp, nil
}

// ListTools requests the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal arguments: %w", err)
		}
		argsJSON = data
	}

	resp, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal result: %w", err)
	}
	return &result, nil
}

func (c *Client) setState(s ServerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the server's current lifecycle state.
func (c *Client) State() ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close terminates the subprocess and releases its pipes.
func (c *Client) Close() error {
	c.setState(Closing)
	defer c.setState(Closed)

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()

	select {
	case <-c.readErr:
	case <-time.After(time.Second):
	}
	return nil
}
