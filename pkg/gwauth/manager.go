package gwauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// AuthResult is the outcome of InitiateAuth / HandleCallback: whether
// existing tokens already suffice, or a new user redirect was emitted.
type AuthResult string

const (
	ResultAuthorized AuthResult = "AUTHORIZED"
	ResultRedirect   AuthResult = "REDIRECT"
)

// AuthStatus is the pure-read status spec.md §4.3 describes.
type AuthStatus struct {
	RequiresAuth    bool
	IsAuthenticated bool
	HasClientInfo   bool
}

// Manager is the registry of Provider instances (spec component C3),
// entry point for initiate/callback/revoke.
type Manager struct {
	mu             sync.Mutex
	providers      map[string]Provider
	configs        map[string]gwtypes.AuthConfig
	store          *gwstore.Store
	baseURL        string
	onAuthRedirect OnAuthRedirect
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewManager constructs an OAuthManager. gatewayBaseURL is used to build
// each provider's redirect_uri.
func NewManager(store *gwstore.Store, gatewayBaseURL string, onAuthRedirect OnAuthRedirect, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers:      make(map[string]Provider),
		configs:        make(map[string]gwtypes.AuthConfig),
		store:          store,
		baseURL:        gatewayBaseURL,
		onAuthRedirect: onAuthRedirect,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

// GetProvider returns the existing provider for id, or lazily creates one
// from cfg. A distinct cfg on an existing id is handled by ReplaceProvider,
// never silently by GetProvider.
func (m *Manager) GetProvider(id string, cfg gwtypes.AuthConfig) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[id]; ok {
		return p
	}
	p := NewProvider(id, m.store, cfg, m.baseURL, m.onAuthRedirect)
	m.providers[id] = p
	m.configs[id] = cfg
	return p
}

// ReplaceProvider discards any existing provider for id and builds a fresh
// one from cfg, used when a server's auth configuration changes.
func (m *Manager) ReplaceProvider(id string, cfg gwtypes.AuthConfig) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := NewProvider(id, m.store, cfg, m.baseURL, m.onAuthRedirect)
	m.providers[id] = p
	m.configs[id] = cfg
	return p
}

// RemoveProvider discards the provider for id without touching its
// persisted OAuth state (callers that also want the state gone should call
// RevokeTokens instead).
func (m *Manager) RemoveProvider(id string) {
	m.mu.Lock()
	delete(m.providers, id)
	delete(m.configs, id)
	m.mu.Unlock()
}

// InitiateAuth runs the discovery/DCR/PKCE routine without an authorization
// code: it returns ResultAuthorized if existing valid tokens suffice, or
// ResultRedirect once a redirect has been emitted to onAuthRedirect.
func (m *Manager) InitiateAuth(ctx context.Context, id, serverURL string, cfg gwtypes.AuthConfig) (AuthResult, error) {
	provider := m.GetProvider(id, cfg)

	if tokens, ok := provider.Tokens(); ok && !NeedsTokenRefresh(provider) {
		_ = tokens
		return ResultAuthorized, nil
	}

	disco, err := discover(ctx, m.httpClient, serverURL)
	if err != nil {
		return "", err
	}

	info, ok := provider.ClientInformation()
	if !ok {
		if disco.RegistrationEndpoint == "" {
			return "", gwtypes.NewOAuthError(gwtypes.OAuthDcrFailed, "no registration_endpoint and no static client credentials")
		}
		registered, err := registerClient(ctx, m.httpClient, disco.RegistrationEndpoint, provider.ClientMetadata())
		if err != nil {
			return "", err
		}
		if err := provider.SaveClientInformation(registered); err != nil {
			return "", err
		}
		info = &registered
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", gwtypes.NewOAuthError(gwtypes.OAuthDiscoveryFailed, err.Error())
	}
	if err := provider.SaveCodeVerifier(verifier); err != nil {
		return "", err
	}

	meta := provider.ClientMetadata()
	authURL, err := buildAuthorizationURL(disco.AuthorizationEndpoint, info.ClientID, provider.RedirectURL(), meta.Scope, newState(), challenge)
	if err != nil {
		return "", gwtypes.NewOAuthError(gwtypes.OAuthDiscoveryFailed, err.Error())
	}

	if err := provider.RedirectToAuthorization(authURL); err != nil {
		return "", err
	}
	return ResultRedirect, nil
}

// HandleCallback runs the token-exchange half of the flow (spec.md §4.2
// step 7) and clears the code verifier on success.
func (m *Manager) HandleCallback(ctx context.Context, id, serverURL, code string, cfg gwtypes.AuthConfig) (AuthResult, error) {
	provider := m.GetProvider(id, cfg)

	verifier, ok := provider.CodeVerifier()
	if !ok {
		return "", gwtypes.NewOAuthError(gwtypes.OAuthStateMismatch, "no code verifier in flight for this server")
	}

	disco, err := discover(ctx, m.httpClient, serverURL)
	if err != nil {
		return "", err
	}
	info, ok := provider.ClientInformation()
	if !ok {
		return "", gwtypes.NewOAuthError(gwtypes.OAuthTokenExchangeFail, "no client information available for token exchange")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", provider.RedirectURL())
	form.Set("client_id", info.ClientID)
	form.Set("code_verifier", verifier)
	if info.ClientSecret != "" {
		form.Set("client_secret", info.ClientSecret)
	}

	tokens, err := exchangeToken(ctx, m.httpClient, disco.TokenEndpoint, form)
	if err != nil {
		return "", err
	}
	if err := provider.SaveTokens(tokens); err != nil {
		return "", err
	}
	return ResultAuthorized, nil
}

// RefreshTokens performs a grant_type=refresh_token exchange when the
// transport reports an expired or soon-to-expire access token. On
// invalid_grant it invalidates the token half so the flow returns to step 1
// (spec.md §4.2 step 9).
func (m *Manager) RefreshTokens(ctx context.Context, id, serverURL string, cfg gwtypes.AuthConfig) error {
	provider := m.GetProvider(id, cfg)
	tokens, ok := provider.Tokens()
	if !ok || tokens.RefreshToken == "" {
		return gwtypes.NewOAuthError(gwtypes.OAuthTokenRefreshFail, "no refresh token available")
	}

	disco, err := discover(ctx, m.httpClient, serverURL)
	if err != nil {
		return gwtypes.NewOAuthError(gwtypes.OAuthTokenRefreshFail, err.Error())
	}
	info, ok := provider.ClientInformation()
	if !ok {
		return gwtypes.NewOAuthError(gwtypes.OAuthTokenRefreshFail, "no client information")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tokens.RefreshToken)
	form.Set("client_id", info.ClientID)
	if info.ClientSecret != "" {
		form.Set("client_secret", info.ClientSecret)
	}

	refreshed, err := exchangeToken(ctx, m.httpClient, disco.TokenEndpoint, form)
	if err != nil {
		_ = provider.InvalidateCredentials(gwtypes.InvalidateTokens)
		return gwtypes.NewOAuthError(gwtypes.OAuthTokenRefreshFail, err.Error())
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	return provider.SaveTokens(refreshed)
}

// GetAuthStatus is a pure read of the provider's current state.
func (m *Manager) GetAuthStatus(id string) AuthStatus {
	m.mu.Lock()
	provider, ok := m.providers[id]
	m.mu.Unlock()
	if !ok {
		return AuthStatus{RequiresAuth: true}
	}
	_, hasTokens := provider.Tokens()
	_, hasClientInfo := provider.ClientInformation()
	return AuthStatus{
		RequiresAuth:    !hasTokens,
		IsAuthenticated: hasTokens,
		HasClientInfo:   hasClientInfo,
	}
}

// RevokeTokens clears all OAuth state for id and discards the provider so a
// future connect starts from a clean slate.
func (m *Manager) RevokeTokens(id string) {
	m.mu.Lock()
	provider, ok := m.providers[id]
	delete(m.providers, id)
	delete(m.configs, id)
	m.mu.Unlock()
	if ok {
		_ = provider.InvalidateCredentials(gwtypes.InvalidateAll)
		return
	}
	m.store.RemoveOAuthState(id)
}

func newState() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
