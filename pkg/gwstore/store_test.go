package gwstore

import (
	"path/filepath"
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func TestLoadMissingFileIsEmptyState(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "store.json"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.ListServers()) != 0 {
		t.Fatalf("expected empty server list")
	}
}

func TestAddServerThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)

	cfg := gwtypes.ServerConfig{ID: "s1", Name: "Foo Bar", Transport: gwtypes.TransportStdio, Command: "echo-mcp"}
	if _, err := s.AddServer(cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	got, err := s.GetServer("s1")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Name != "Foo Bar" || got.Command != "echo-mcp" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}
}

func TestAddServerRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)
	cfg := gwtypes.ServerConfig{ID: "s1", Name: "Foo", Transport: gwtypes.TransportStdio}
	if _, err := s.AddServer(cfg); err != nil {
		t.Fatalf("first add: %v", err)
	}
	cfg2 := gwtypes.ServerConfig{ID: "s1", Name: "Bar", Transport: gwtypes.TransportStdio}
	if _, err := s.AddServer(cfg2); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
}

func TestAddServerRejectsPrefixCollision(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)
	if _, err := s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "Foo Bar", Transport: gwtypes.TransportStdio}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := s.AddServer(gwtypes.ServerConfig{ID: "s2", Name: "Foo-Bar", Transport: gwtypes.TransportStdio})
	if err == nil {
		t.Fatalf("expected DuplicateName for colliding normalized prefix")
	}
}

func TestAddServerRejectsEmptyPrefix(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)
	_, err := s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "!!!", Transport: gwtypes.TransportStdio})
	if err == nil {
		t.Fatalf("expected InvalidConfig for a name normalizing to empty")
	}
}

func TestUpdateServerCannotDuplicateName(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)
	s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "Foo", Transport: gwtypes.TransportStdio})
	s.AddServer(gwtypes.ServerConfig{ID: "s2", Name: "Bar", Transport: gwtypes.TransportStdio})

	newName := "Foo"
	_, err := s.UpdateServer("s2", ServerPatch{Name: &newName})
	if err == nil {
		t.Fatalf("expected duplicate-name rejection")
	}
}

func TestRemoveServerDropsOAuthState(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load(filepath.Join(dir, "store.json"), nil)
	s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "Foo", Transport: gwtypes.TransportStreamableHTTP})
	s.SetTokens("s1", gwtypes.OAuthTokens{AccessToken: "abc"})

	if err := s.RemoveServer("s1"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if _, ok := s.GetTokens("s1"); ok {
		t.Fatalf("expected OAuth state to be removed alongside the server")
	}
}

func TestFlushWritesAtomicallyAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, _ := Load(path, nil)
	s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "Foo", Transport: gwtypes.TransportStdio, Command: "echo-mcp"})
	s.SetCodeVerifier("s1", "verifier-value")

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.GetServer("s1")
	if err != nil {
		t.Fatalf("GetServer after reload: %v", err)
	}
	if got.Name != "Foo" {
		t.Fatalf("unexpected reloaded config: %+v", got)
	}
	if v, ok := reloaded.GetCodeVerifier("s1"); !ok || v != "verifier-value" {
		t.Fatalf("expected code verifier to survive reload, got %q ok=%v", v, ok)
	}
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, _ := Load(path, nil)
	s.AddServer(gwtypes.ServerConfig{ID: "s1", Name: "Foo", Transport: gwtypes.TransportStdio})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.ListServers()) != 1 {
		t.Fatalf("expected the pending add to have been flushed by Close")
	}
}
