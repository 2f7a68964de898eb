package gwproxy

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwcore"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwlog"
	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func newTestProxyServer(t *testing.T) *ProxyServer {
	t.Helper()
	store, err := gwstore.Load(filepath.Join(t.TempDir(), "store.json"), nil)
	if err != nil {
		t.Fatalf("gwstore.Load: %v", err)
	}
	bus := gwevents.New(nil)
	auth := gwauth.NewManager(store, "https://gw.example", nil, nil)
	gw := gwcore.New(store, auth, bus, nil)
	return NewProxyServer(gw, bus, gwlog.New(0), "test-gateway", "0.0.1", nil)
}

func TestNewServerForRequestRegistersOneDownstreamSession(t *testing.T) {
	p := newTestProxyServer(t)
	srv := p.newServerForRequest(nil)
	if srv == nil {
		t.Fatalf("expected a non-nil mcp.Server")
	}
	p.mu.Lock()
	n := len(p.downstream)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 tracked downstream session, got %d", n)
	}
}

func TestErrorResultMarksIsError(t *testing.T) {
	res := errorResult(errors.New("boom"))
	if !res.IsError {
		t.Fatalf("expected IsError true")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "boom" {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
}

func TestServerIDFromPayloadVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    string
	}{
		{"status", gwtypes.ServerStatusPayload{ServerID: "a"}, "a"},
		{"updated", gwtypes.ServerUpdatedPayload{ServerID: "b"}, "b"},
		{"removed", gwtypes.ServerRemovedPayload{ServerID: "c"}, "c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := serverIDFromPayload(tc.payload)
			if !ok || got != tc.want {
				t.Fatalf("got %q ok=%v, want %q", got, ok, tc.want)
			}
		})
	}
	if _, ok := serverIDFromPayload(gwtypes.ServerAddedPayload{ServerID: "d"}); ok {
		t.Fatalf("expected no extraction for an unhandled payload type")
	}
}

func TestOnEventUnknownServerIsNoop(t *testing.T) {
	p := newTestProxyServer(t)
	p.newServerForRequest(nil)
	p.onEvent(gwtypes.Event{Topic: gwtypes.EventServerConnected, Payload: gwtypes.ServerStatusPayload{ServerID: "missing"}})
}

func TestApplyToolsLockedAddsThenRemoves(t *testing.T) {
	p := newTestProxyServer(t)
	ds := &downstreamSession{features: newFeatureIndex(), server: mcp.NewServer(&mcp.Implementation{Name: "t", Version: "0"}, &mcp.ServerOptions{HasTools: true})}

	ds.mu.Lock()
	p.applyToolsLocked(ds, "srv1", "Acme", []gwtypes.ToolInfo{{Name: "ping"}})
	ds.mu.Unlock()
	if _, ok := ds.features.ToolTarget("acme__ping"); !ok {
		t.Fatalf("expected tool tracked after add")
	}

	ds.mu.Lock()
	p.applyToolsLocked(ds, "srv1", "Acme", nil)
	ds.mu.Unlock()
	if _, ok := ds.features.ToolTarget("acme__ping"); ok {
		t.Fatalf("expected tool untracked after empty resync")
	}
}
