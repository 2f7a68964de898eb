package gwupstream

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// newConnectedTestSession wires an in-memory mcp.Server exposing one tool,
// one resource, and one prompt to a Session's clientSession field directly,
// bypassing Connect/transport selection (grounded on the teacher's
// serverToolNames in-memory-transport test pattern).
func newConnectedTestSession(t *testing.T) (*Session, func()) {
	t.Helper()
	impl := &mcp.Implementation{Name: "fixture", Version: "0.0.1"}
	srv := mcp.NewServer(impl, &mcp.ServerOptions{HasTools: true, HasResources: true, HasPrompts: true})
	srv.AddTool(&mcp.Tool{Name: "echo", Description: "echoes input"}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
	})
	srv.AddResource(&mcp.Resource{URI: "fixture://note", Name: "note"}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: "fixture://note", Text: "hello"}}}, nil
	})
	srv.AddPrompt(&mcp.Prompt{Name: "greet"}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{Messages: nil}, nil
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	ss, err := srv.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}

	cfg := gwtypes.ServerConfig{ID: "srv1", Name: "srv one", Transport: gwtypes.TransportStdio, Command: "unused", Enabled: true}
	s := New(cfg, nil, nil, nil, nil)
	s.mu.Lock()
	s.client = client
	s.clientSession = cs
	s.status = gwtypes.StatusConnected
	s.mu.Unlock()

	cleanup := func() {
		_ = cs.Close()
		_ = ss.Close()
	}
	return s, cleanup
}

func TestDiscoverCapabilitiesPopulatesSnapshot(t *testing.T) {
	s, cleanup := newConnectedTestSession(t)
	defer cleanup()

	s.discoverCapabilities(context.Background(), s.clientSession)
	snap := s.Snapshot()
	if len(snap.Tools) != 1 || snap.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", snap.Tools)
	}
	if len(snap.Resources) != 1 || snap.Resources[0].URI != "fixture://note" {
		t.Fatalf("unexpected resources: %+v", snap.Resources)
	}
	if len(snap.Prompts) != 1 || snap.Prompts[0].Name != "greet" {
		t.Fatalf("unexpected prompts: %+v", snap.Prompts)
	}
}

func TestCallToolForwardsToUpstream(t *testing.T) {
	s, cleanup := newConnectedTestSession(t)
	defer cleanup()

	res, err := s.CallTool(context.Background(), "echo", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
}

func TestReadResourceForwardsToUpstream(t *testing.T) {
	s, cleanup := newConnectedTestSession(t)
	defer cleanup()

	res, err := s.ReadResource(context.Background(), "fixture://note")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].Text != "hello" {
		t.Fatalf("unexpected contents: %+v", res.Contents)
	}
}

func TestGetPromptForwardsToUpstream(t *testing.T) {
	s, cleanup := newConnectedTestSession(t)
	defer cleanup()

	if _, err := s.GetPrompt(context.Background(), "greet", nil); err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
}

func TestCallToolWhenDisconnectedReturnsNotConnected(t *testing.T) {
	cfg := gwtypes.ServerConfig{ID: "srv1", Name: "srv one", Transport: gwtypes.TransportStdio, Command: "unused", Enabled: true}
	s := New(cfg, nil, nil, nil, nil)

	_, err := s.CallTool(context.Background(), "echo", nil)
	if _, ok := err.(*gwtypes.NotConnectedError); !ok {
		t.Fatalf("expected NotConnectedError, got %v (%T)", err, err)
	}
}

func TestConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	s, cleanup := newConnectedTestSession(t)
	defer cleanup()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect on already-connected session should be a no-op: %v", err)
	}
}

func TestBackoffDelayIsMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// One sample per attempt; jitter adds under one second, so a
		// delay may trail the previous one by at most that much.
		d := backoffDelay(attempt)
		if d > maxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, maxDelay)
		}
		if attempt > 0 && d+time.Second < prev {
			t.Fatalf("attempt %d: delay %v regressed below previous %v beyond jitter tolerance", attempt, d, prev)
		}
		prev = d
	}
}

func TestSnapshotReflectsDisconnectedStatus(t *testing.T) {
	cfg := gwtypes.ServerConfig{ID: "srv1", Name: "srv one", Transport: gwtypes.TransportStdio, Command: "unused", Enabled: true}
	s := New(cfg, nil, nil, nil, nil)
	snap := s.Snapshot()
	if snap.Status != gwtypes.StatusDisconnected {
		t.Fatalf("expected disconnected status, got %v", snap.Status)
	}
}
