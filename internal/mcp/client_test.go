package mcp

import (
	"context"
	"testing"
	"time"
)

// echoServerScript is a minimal JSON-RPC stdio server driven by sh -c: it
// reads one line and responds with a fixed initialize result, used to
// exercise Client's framing and id-matching without depending on any real
// MCP server binary being present in the test environment.
const echoServerScript = `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"echo","version":"0.0.1"}}}\n'
`

func TestClientInitializeOverStdio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewClient(ctx, "sh", []string{"-c", echoServerScript}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.Initialize(ctx, map[string]interface{}{"name": "agentcli", "version": "0.1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	if c.State() != Ready {
		t.Fatalf("expected state Ready after successful initialize, got %s", c.State())
	}
}

func TestClientCallTimesOutOnContextCancel(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(ctx, "sh", []string{"-c", "sleep 5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	callCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Call(callCtx, "tools/list", nil)
	if err == nil {
		t.Fatal("expected error from cancelled call")
	}
}

func TestClientCloseTerminatesSubprocess(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(ctx, "sh", []string{"-c", "sleep 30"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close returned error: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected state Closed, got %s", c.State())
	}
}
