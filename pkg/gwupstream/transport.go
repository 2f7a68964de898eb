package gwupstream

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// tokenProvider supplies the current bearer token for an OAuth-mode
// connection. It is called on every request, never memoized by the caller,
// so a token refreshed mid-session is picked up on the next round trip.
type tokenProvider func() (string, bool)

// headerDecorator is the teacher's RoundTripper idiom (mcpmgr's
// headerDecorator): static headers first, then a bearer token from an
// OAuth-mode token provider if the request doesn't already carry one. It
// additionally latches whether any response it has seen came back 401, the
// signal connectOnce uses to tell a suspended-authorization failure apart
// from an ordinary transient one (DNS, TLS, 5xx) — the underlying transport
// only ever returns an opaque error, not a status code, so this is the one
// place that still has the response in hand.
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	tokens  tokenProvider

	unauthorized atomic.Bool
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tokens != nil && req.Header.Get("Authorization") == "" {
		if token, ok := d.tokens(); ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	next := d.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		d.unauthorized.Store(true)
	}
	return resp, err
}

// SawUnauthorized reports whether any request made through this decorator
// has received an HTTP 401 response.
func (d *headerDecorator) SawUnauthorized() bool {
	return d.unauthorized.Load()
}

// buildStdioTransport spawns the configured command with tilde-expanded cwd
// and env merged over the inherited environment, following spec.md §4.4.
func buildStdioTransport(cfg gwtypes.ServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, gwtypes.NewInvalidConfig("stdio server missing command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = expandHome(cfg.Cwd)
	}
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// buildRemoteTransport picks SSE or Streamable-HTTP per the config's
// explicit Transport field (unlike the teacher's URL-suffix heuristic,
// spec.md models sse and streamable_http as distinct, explicit transport
// kinds, so no guessing is needed). The returned decorator lets the caller
// inspect whether the handshake ever saw a 401 after Connect fails.
func buildRemoteTransport(cfg gwtypes.ServerConfig, tokens tokenProvider) (mcp.Transport, *headerDecorator, error) {
	if cfg.URL == "" {
		return nil, nil, gwtypes.NewInvalidConfig("remote server missing url")
	}
	headers := make(http.Header)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	if cfg.Auth.Mode != gwtypes.AuthOAuth {
		authHeaders, err := gwtypes.BuildAuthHeaders(cfg.Auth)
		if err != nil {
			return nil, nil, err
		}
		for k, values := range authHeaders {
			for _, v := range values {
				headers.Add(k, v)
			}
		}
		tokens = nil // never mix static auth with a stale token provider
	}

	decorator := &headerDecorator{headers: headers, tokens: tokens}
	client := &http.Client{Transport: decorator}
	switch cfg.Transport {
	case gwtypes.TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: client}, decorator, nil
	case gwtypes.TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: client}, decorator, nil
	default:
		return nil, nil, gwtypes.NewInvalidConfig(fmt.Sprintf("unsupported remote transport %q", cfg.Transport))
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	rest := strings.TrimPrefix(path, "~")
	return filepath.Join(home, rest)
}
