package gwtypes

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Transport identifies how the gateway reaches an upstream MCP server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// AuthMode discriminates the AuthConfig tagged union.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthOAuth  AuthMode = "oauth"
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "apiKey"
	AuthCustom AuthMode = "custom"
)

// AuthConfig is the dynamic auth union described in the design notes: one
// struct with a Mode discriminator and mode-specific fields, rather than a
// sum type Go doesn't have. BuildAuthHeaders is the pure function over it.
type AuthConfig struct {
	Mode AuthMode `json:"mode"`

	// oauth
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`

	// apiKey
	Key               string `json:"key,omitempty"`
	HeaderName        string `json:"headerName,omitempty"`
	HeaderValuePrefix string `json:"headerValuePrefix,omitempty"`

	// custom
	Headers map[string]string `json:"headers,omitempty"`
}

// BuildAuthHeaders composes the static header set for every AuthMode except
// AuthOAuth, for which no static header is ever injected — the transport is
// handed an OAuthProvider instead. Called once per connection attempt.
func BuildAuthHeaders(auth AuthConfig) (http.Header, error) {
	h := make(http.Header)
	switch auth.Mode {
	case "", AuthNone, AuthOAuth:
		return h, nil
	case AuthBearer:
		if auth.Token == "" {
			return nil, fmt.Errorf("gwtypes: bearer auth requires a token")
		}
		h.Set("Authorization", "Bearer "+auth.Token)
		return h, nil
	case AuthAPIKey:
		if auth.Key == "" {
			return nil, fmt.Errorf("gwtypes: apiKey auth requires a key")
		}
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, auth.HeaderValuePrefix+auth.Key)
		return h, nil
	case AuthCustom:
		for k, v := range auth.Headers {
			h.Set(k, v)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("gwtypes: unknown auth mode %q", auth.Mode)
	}
}

// NormalizePrefix implements the NameRouter (C6) prefix normalization rule:
// lower-case, collapse every run of non-alphanumeric characters to a single
// underscore, trim leading/trailing underscores. An empty result is a
// caller-visible error at server-creation time, never silently accepted.
func NormalizePrefix(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	inRun := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// ServerConfig is the persistent configuration for one upstream MCP server.
// Id is immutable once assigned; Transport is immutable after creation; Name
// must be unique and its NormalizePrefix() output must be non-empty and
// unique across the whole registry.
type ServerConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Transport Transport `json:"transport"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// remote (sse / streamable_http)
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    AuthConfig        `json:"auth,omitempty"`
}

// Prefix returns the normalized routing prefix for this server's name.
func (c ServerConfig) Prefix() string {
	return NormalizePrefix(c.Name)
}

// Clone returns a deep copy, matching the Store contract that readers get
// snapshots independent from in-memory mutation.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = cloneStringMap(c.Env)
	}
	if c.Headers != nil {
		out.Headers = cloneStringMap(c.Headers)
	}
	if c.Auth.Scopes != nil {
		out.Auth.Scopes = append([]string(nil), c.Auth.Scopes...)
	}
	if c.Auth.Headers != nil {
		out.Auth.Headers = cloneStringMap(c.Auth.Headers)
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConnectionSettingsEqual reports whether two configs would produce the same
// live connection, i.e. whether an update needs to force a reconnect.
func ConnectionSettingsEqual(a, b ServerConfig) bool {
	if a.Transport != b.Transport {
		return false
	}
	switch a.Transport {
	case TransportStdio:
		return a.Command == b.Command &&
			stringSliceEqual(a.Args, b.Args) &&
			stringMapEqual(a.Env, b.Env) &&
			a.Cwd == b.Cwd
	default:
		return a.URL == b.URL &&
			stringMapEqual(a.Headers, b.Headers) &&
			authEqual(a.Auth, b.Auth)
	}
}

func authEqual(a, b AuthConfig) bool {
	if a.Mode != b.Mode {
		return false
	}
	switch a.Mode {
	case AuthOAuth:
		return a.ClientID == b.ClientID && a.ClientSecret == b.ClientSecret && stringSliceEqual(a.Scopes, b.Scopes)
	case AuthBearer:
		return a.Token == b.Token
	case AuthAPIKey:
		return a.Key == b.Key && a.HeaderName == b.HeaderName && a.HeaderValuePrefix == b.HeaderValuePrefix
	case AuthCustom:
		return stringMapEqual(a.Headers, b.Headers)
	default:
		return true
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
