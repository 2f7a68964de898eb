package gwauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// protectedResourceMetadata is the .well-known/oauth-protected-resource
// document (RFC 9728) that names the authorization server for a resource.
type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// authServerMetadata is the .well-known/oauth-authorization-server (RFC
// 8414) document, with an OpenID Connect Discovery document being
// structurally compatible for the fields this gateway needs.
type authServerMetadata struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	RegistrationEndpoint   string   `json:"registration_endpoint,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods   []string `json:"code_challenge_methods_supported,omitempty"`
}

// discoveryResult is what step 2 of the OAuth flow (spec.md §4.2) needs to
// proceed to DCR (if applicable) and to building the authorization URL.
type discoveryResult struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
}

func discover(ctx context.Context, client *http.Client, serverURL string) (discoveryResult, error) {
	resourceMeta, err := fetchJSON[protectedResourceMetadata](ctx, client, wellKnown(serverURL, "oauth-protected-resource"))
	authServerURL := serverURL
	if err == nil && len(resourceMeta.AuthorizationServers) > 0 {
		authServerURL = resourceMeta.AuthorizationServers[0]
	}

	asMeta, err := fetchJSON[authServerMetadata](ctx, client, wellKnown(authServerURL, "oauth-authorization-server"))
	if err != nil {
		// Fall back to OpenID Connect Discovery, per spec.md §4.2 step 2.
		asMeta, err = fetchJSON[authServerMetadata](ctx, client, wellKnown(authServerURL, "openid-configuration"))
		if err != nil {
			return discoveryResult{}, gwtypes.NewOAuthError(gwtypes.OAuthDiscoveryFailed, err.Error())
		}
	}
	if asMeta.AuthorizationEndpoint == "" || asMeta.TokenEndpoint == "" {
		return discoveryResult{}, gwtypes.NewOAuthError(gwtypes.OAuthDiscoveryFailed, "metadata missing authorization_endpoint or token_endpoint")
	}
	return discoveryResult{
		AuthorizationEndpoint: asMeta.AuthorizationEndpoint,
		TokenEndpoint:         asMeta.TokenEndpoint,
		RegistrationEndpoint:  asMeta.RegistrationEndpoint,
	}, nil
}

func wellKnown(base, doc string) string {
	trimmed := strings.TrimRight(base, "/")
	return fmt.Sprintf("%s/.well-known/%s", trimmed, doc)
}

func fetchJSON[T any](ctx context.Context, client *http.Client, target string) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("gwauth: %s returned status %d", target, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("gwauth: decoding %s: %w", target, err)
	}
	return out, nil
}

// registerClient performs RFC 7591 dynamic client registration.
func registerClient(ctx context.Context, client *http.Client, registrationEndpoint string, meta ClientMetadata) (gwtypes.OAuthClientInfo, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return gwtypes.OAuthClientInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return gwtypes.OAuthClientInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return gwtypes.OAuthClientInfo{}, gwtypes.NewOAuthError(gwtypes.OAuthDcrFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return gwtypes.OAuthClientInfo{}, gwtypes.NewOAuthError(gwtypes.OAuthDcrFailed, fmt.Sprintf("status %d", resp.StatusCode))
	}
	var dcr struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dcr); err != nil {
		return gwtypes.OAuthClientInfo{}, gwtypes.NewOAuthError(gwtypes.OAuthDcrFailed, err.Error())
	}
	return gwtypes.OAuthClientInfo{ClientID: dcr.ClientID, ClientSecret: dcr.ClientSecret, IssuedAt: time.Now()}, nil
}

// buildAuthorizationURL assembles the RFC 7636 PKCE authorization URL per
// spec.md §4.2 step 4.
func buildAuthorizationURL(authEndpoint, clientID, redirectURI, scope, state, codeChallenge string) (string, error) {
	u, err := url.Parse(authEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	if scope != "" {
		q.Set("scope", scope)
	}
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// exchangeToken performs the grant_type=authorization_code half of the
// flow, spec.md §4.2 step 7.
func exchangeToken(ctx context.Context, client *http.Client, tokenEndpoint string, form url.Values) (gwtypes.OAuthTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return gwtypes.OAuthTokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return gwtypes.OAuthTokens{}, gwtypes.NewOAuthError(gwtypes.OAuthTokenExchangeFail, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gwtypes.OAuthTokens{}, gwtypes.NewOAuthError(gwtypes.OAuthTokenExchangeFail, fmt.Sprintf("status %d", resp.StatusCode))
	}
	var raw struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return gwtypes.OAuthTokens{}, gwtypes.NewOAuthError(gwtypes.OAuthTokenExchangeFail, err.Error())
	}
	return gwtypes.OAuthTokens{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		ExpiresIn:    raw.ExpiresIn,
		Scope:        raw.Scope,
		RefreshToken: raw.RefreshToken,
		ObtainedAt:   time.Now(),
	}, nil
}
