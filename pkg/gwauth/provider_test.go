package gwauth

import (
	"path/filepath"
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func newTestStore(t *testing.T) *gwstore.Store {
	t.Helper()
	s, err := gwstore.Load(filepath.Join(t.TempDir(), "store.json"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestRedirectURLEncodesServerID(t *testing.T) {
	p := NewProvider("srv one", newTestStore(t), gwtypes.AuthConfig{Mode: gwtypes.AuthOAuth}, "https://gw.example", nil)
	got := p.RedirectURL()
	want := "https://gw.example/oauth/callback/srv%20one"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestClientInformationFallsBackToStaticConfig(t *testing.T) {
	cfg := gwtypes.AuthConfig{Mode: gwtypes.AuthOAuth, ClientID: "static-id", ClientSecret: "static-secret"}
	p := NewProvider("s1", newTestStore(t), cfg, "https://gw.example", nil)

	info, ok := p.ClientInformation()
	if !ok {
		t.Fatalf("expected fallback client info")
	}
	if info.ClientID != "static-id" {
		t.Fatalf("got clientId %q, want static-id", info.ClientID)
	}
}

func TestSaveTokensClearsCodeVerifier(t *testing.T) {
	store := newTestStore(t)
	p := NewProvider("s1", store, gwtypes.AuthConfig{Mode: gwtypes.AuthOAuth}, "https://gw.example", nil)

	if err := p.SaveCodeVerifier("verifier123"); err != nil {
		t.Fatalf("SaveCodeVerifier: %v", err)
	}
	if err := p.SaveTokens(gwtypes.OAuthTokens{AccessToken: "abc"}); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	if _, ok := p.CodeVerifier(); ok {
		t.Fatalf("expected code verifier to be cleared after SaveTokens")
	}
	tokens, ok := p.Tokens()
	if !ok || tokens.AccessToken != "abc" {
		t.Fatalf("unexpected tokens: %+v ok=%v", tokens, ok)
	}
}

func TestRedirectToAuthorizationInvokesCallbackNotHTTPRedirect(t *testing.T) {
	var gotID, gotURL string
	p := NewProvider("s1", newTestStore(t), gwtypes.AuthConfig{Mode: gwtypes.AuthOAuth}, "https://gw.example", func(id, u string) {
		gotID, gotURL = id, u
	})
	if err := p.RedirectToAuthorization("https://as.example/authorize?x=1"); err != nil {
		t.Fatalf("RedirectToAuthorization: %v", err)
	}
	if gotID != "s1" || gotURL != "https://as.example/authorize?x=1" {
		t.Fatalf("callback not invoked with expected args: id=%q url=%q", gotID, gotURL)
	}
}

func TestInvalidateCredentialsScopes(t *testing.T) {
	store := newTestStore(t)
	p := NewProvider("s1", store, gwtypes.AuthConfig{Mode: gwtypes.AuthOAuth}, "https://gw.example", nil)
	p.SaveTokens(gwtypes.OAuthTokens{AccessToken: "abc"})
	p.SaveCodeVerifier("v")

	if err := p.InvalidateCredentials(gwtypes.InvalidateTokens); err != nil {
		t.Fatalf("InvalidateCredentials: %v", err)
	}
	if _, ok := p.Tokens(); ok {
		t.Fatalf("expected tokens to be cleared")
	}
}
