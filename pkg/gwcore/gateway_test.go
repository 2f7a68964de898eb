package gwcore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	store, err := gwstore.Load(filepath.Join(t.TempDir(), "store.json"), nil)
	if err != nil {
		t.Fatalf("gwstore.Load: %v", err)
	}
	bus := gwevents.New(nil)
	auth := gwauth.NewManager(store, "https://gw.example", nil, nil)
	return New(store, auth, bus, nil)
}

func disabledStdioConfig(name string) gwtypes.ServerConfig {
	return gwtypes.ServerConfig{
		Name:      name,
		Transport: gwtypes.TransportStdio,
		Command:   "true",
		Enabled:   false,
	}
}

func TestRegisterServerAddsDisconnectedSession(t *testing.T) {
	gw := newTestGateway(t)
	saved, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Foo Server"))
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	status, err := gw.GetServerStatus(saved.ID)
	if err != nil {
		t.Fatalf("GetServerStatus: %v", err)
	}
	if status.Status != gwtypes.StatusDisconnected {
		t.Fatalf("expected disconnected, got %v", status.Status)
	}
}

func TestRegisterServerRejectsPrefixCollision(t *testing.T) {
	gw := newTestGateway(t)
	if _, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Foo Bar")); err != nil {
		t.Fatalf("first RegisterServer: %v", err)
	}
	_, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Foo-Bar"))
	if err == nil {
		t.Fatalf("expected a prefix-collision error")
	}
}

func TestUpdateServerRenameAndReconnectDecision(t *testing.T) {
	gw := newTestGateway(t)
	saved, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Original Name"))
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	newName := "Renamed Server"
	updated, err := gw.UpdateServer(context.Background(), saved.ID, gwstore.ServerPatch{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("got name %q, want %q", updated.Name, newName)
	}
	if !gwtypes.ConnectionSettingsEqual(saved, updated) {
		t.Fatalf("a rename alone must not count as a connection-settings change")
	}
}

func TestRemoveServerClearsRegistryAndStore(t *testing.T) {
	gw := newTestGateway(t)
	saved, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Goner"))
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := gw.RemoveServer(context.Background(), saved.ID); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if _, err := gw.GetServerStatus(saved.ID); err == nil {
		t.Fatalf("expected removed server to be absent from registry")
	}
	if _, err := gw.store.GetServer(saved.ID); err == nil {
		t.Fatalf("expected removed server to be absent from store")
	}
}

func TestCallToolByNameUnresolvedReturnsNoSuchTool(t *testing.T) {
	gw := newTestGateway(t)
	_, err := gw.CallToolByName(context.Background(), "nope__missing", nil)
	if _, ok := err.(*gwtypes.NoSuchCapabilityError); !ok {
		t.Fatalf("expected NoSuchCapabilityError, got %v (%T)", err, err)
	}
}

func TestMatchesAllWords(t *testing.T) {
	haystack := "acme__create_ticket create a support ticket"
	if !matchesAllWords(haystack, []string{"create", "ticket"}) {
		t.Fatalf("expected match")
	}
	if matchesAllWords(haystack, []string{"create", "invoice"}) {
		t.Fatalf("expected no match")
	}
}

func TestHandleListServersSummary(t *testing.T) {
	gw := newTestGateway(t)
	if _, err := gw.RegisterServer(context.Background(), disabledStdioConfig("Alpha")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	_, out, err := handleListServers(gw)
	if err != nil {
		t.Fatalf("handleListServers: %v", err)
	}
	if out.Summary != "0 of 1 server(s) connected" {
		t.Fatalf("unexpected summary: %q", out.Summary)
	}
	if len(out.Servers) != 1 || out.Servers[0].Name != "Alpha" {
		t.Fatalf("unexpected servers: %+v", out.Servers)
	}
}
