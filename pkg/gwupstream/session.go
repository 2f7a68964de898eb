package gwupstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// DefaultRequestTimeout is the 5-minute default spec.md §4.4 documents as a
// knob, not a hard constant — callers may override per Session via
// WithRequestTimeout.
const DefaultRequestTimeout = 5 * time.Minute

// StatusChanged is invoked whenever a Session's Status transitions. The
// Session publishes the transition on the EventBus itself, so it holds no
// back-pointer to its owning Gateway; this callback is an extra observer
// hook (the Gateway uses it for debug logging).
type StatusChanged func(serverID string, status gwtypes.Status, errMsg string)

// ElicitationForwarder handles an mcp.ElicitRequest an upstream server sends
// mid-call, routing it back to whichever downstream session originated the
// call. serverID identifies which upstream is asking.
type ElicitationForwarder func(ctx context.Context, serverID string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// Session is one connection to one upstream MCP server (spec component
// C4). The zero value is not usable; construct with New.
type Session struct {
	id     string
	bus    *gwevents.Bus
	auth   *gwauth.Manager
	logger *slog.Logger
	onStat StatusChanged

	clientName    string
	clientVersion string
	timeout       time.Duration
	elicit        ElicitationForwarder

	mu                sync.Mutex
	cfg               gwtypes.ServerConfig
	status            gwtypes.Status
	lastErr           string
	tools             []gwtypes.ToolInfo
	resources         []gwtypes.ResourceInfo
	resourceTemplates []gwtypes.ResourceTemplateInfo
	prompts           []gwtypes.PromptInfo
	lastConnected     *time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer

	client        *mcp.Client
	clientSession *mcp.ClientSession
	connecting    bool
	connectCh     chan struct{}
	generation    uint64 // bumped on every disconnect so a stale monitor goroutine is a no-op
	closed        bool
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithRequestTimeout overrides DefaultRequestTimeout for forwarded calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithClientIdentity overrides the MCP client name/version this session
// advertises during initialize.
func WithClientIdentity(name, version string) Option {
	return func(s *Session) { s.clientName, s.clientVersion = name, version }
}

// WithElicitationForwarder wires an ElicitRequest handler onto every client
// this Session creates, so an upstream's mid-call question reaches the
// downstream session that triggered it.
func WithElicitationForwarder(fn ElicitationForwarder) Option {
	return func(s *Session) { s.elicit = fn }
}

// New constructs a Session in the disconnected state. onStat may be nil.
func New(cfg gwtypes.ServerConfig, bus *gwevents.Bus, authMgr *gwauth.Manager, logger *slog.Logger, onStat StatusChanged, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:            cfg.ID,
		bus:           bus,
		auth:          authMgr,
		logger:        logger,
		onStat:        onStat,
		cfg:           cfg.Clone(),
		status:        gwtypes.StatusDisconnected,
		clientName:    "mcp-gateway",
		clientVersion: "0.1.0",
		timeout:       DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the server id this session was constructed for.
func (s *Session) ID() string { return s.id }

// Config returns a snapshot of the currently-bound config.
func (s *Session) Config() gwtypes.ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// UpdateConfig rebinds the session's config in place. Callers (Gateway) are
// responsible for deciding whether ConnectionSettingsEqual demands a
// Reconnect; UpdateConfig itself never reconnects.
func (s *Session) UpdateConfig(cfg gwtypes.ServerConfig) {
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.mu.Unlock()
}

// Snapshot returns the ServerStatus query view spec.md §4.5 requires.
func (s *Session) Snapshot() gwtypes.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastConnMs *int64
	if s.lastConnected != nil {
		ms := s.lastConnected.UnixMilli()
		lastConnMs = &ms
	}
	return gwtypes.ServerStatus{
		Config:            s.cfg.Clone(),
		Status:            s.status,
		Error:             s.lastErr,
		Tools:             append([]gwtypes.ToolInfo(nil), s.tools...),
		Resources:         append([]gwtypes.ResourceInfo(nil), s.resources...),
		ResourceTemplates: append([]gwtypes.ResourceTemplateInfo(nil), s.resourceTemplates...),
		Prompts:           append([]gwtypes.PromptInfo(nil), s.prompts...),
		LastConnected:     lastConnMs,
		ReconnectAttempts: s.reconnectAttempts,
	}
}

func (s *Session) setStatus(status gwtypes.Status, errMsg string) {
	s.mu.Lock()
	s.status = status
	s.lastErr = errMsg
	s.mu.Unlock()
	if s.onStat != nil {
		s.onStat(s.id, status, errMsg)
	}
	if s.bus != nil {
		s.bus.Publish(gwtypes.Event{
			Topic:   gwtypes.EventServerStatus,
			Payload: gwtypes.ServerStatusPayload{ServerID: s.id, Status: status, Error: errMsg},
		})
		switch status {
		case gwtypes.StatusConnected:
			s.bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerConnected, Payload: gwtypes.ServerStatusPayload{ServerID: s.id, Status: status}})
		case gwtypes.StatusDisconnected:
			s.bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerDisconnected, Payload: gwtypes.ServerStatusPayload{ServerID: s.id, Status: status}})
		}
	}
}

// Connect is idempotent: a second call while connecting or connected is a
// no-op (spec.md §8 boundary behavior).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gwupstream: session %q is closed", s.id)
	}
	if s.status == gwtypes.StatusConnected || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.connectCh = make(chan struct{})
	s.mu.Unlock()

	err := s.connectOnce(ctx)

	s.mu.Lock()
	s.connecting = false
	close(s.connectCh)
	s.mu.Unlock()
	return err
}

func (s *Session) connectOnce(ctx context.Context) error {
	cfg := s.Config()
	s.setStatus(gwtypes.StatusConnecting, "")

	var tokens tokenProvider
	if cfg.Transport != gwtypes.TransportStdio && cfg.Auth.Mode == gwtypes.AuthOAuth && s.auth != nil {
		provider := s.auth.GetProvider(s.id, cfg.Auth)
		if _, ok := provider.Tokens(); !ok {
			result, err := s.auth.InitiateAuth(ctx, s.id, cfg.URL, cfg.Auth)
			if err != nil {
				s.setStatus(gwtypes.StatusError, err.Error())
				return err
			}
			if result == gwauth.ResultRedirect {
				s.setStatus(gwtypes.StatusAwaitingOAuth, "")
				return gwtypes.ErrAwaitingOAuth
			}
		}
		// Re-read from the provider on every call rather than closing over
		// a snapshot, so a refresh landed by RefreshTokens mid-session (or
		// by the reconnect path below) is picked up on the very next
		// request instead of only after this Session reconnects again.
		tokens = func() (string, bool) {
			current, ok := provider.Tokens()
			if !ok || current.AccessToken == "" {
				return "", false
			}
			return current.AccessToken, true
		}
	}

	transport, decorator, err := s.buildTransport(cfg, tokens)
	if err != nil {
		s.setStatus(gwtypes.StatusError, err.Error())
		return err
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	impl := &mcp.Implementation{Name: s.clientName, Version: s.clientVersion}
	clientOpts := &mcp.ClientOptions{}
	if s.elicit != nil {
		clientOpts.ElicitationHandler = func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
			return s.elicit(ctx, s.id, req)
		}
	}
	client := mcp.NewClient(impl, clientOpts)
	clientSession, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		// Only a response the decorator actually saw come back 401 counts
		// as a suspended-authorization failure, rather than the source's
		// fragile substring match on "Unauthorized"/"401" in the error
		// text (spec.md §9) — and, unlike auth-mode-implies-401, a DNS
		// failure, TLS error, or 500 during an OAuth-mode reconnect still
		// falls through to the ordinary transient-error path below.
		if cfg.Auth.Mode == gwtypes.AuthOAuth && cfg.Transport != gwtypes.TransportStdio && decorator != nil && decorator.SawUnauthorized() {
			if s.auth != nil {
				if refreshErr := s.auth.RefreshTokens(ctx, s.id, cfg.URL, cfg.Auth); refreshErr == nil {
					// A stored refresh token covered the expired access
					// token; retry on the normal backoff schedule instead
					// of tearing down all OAuth state.
					s.setStatus(gwtypes.StatusError, "access token expired; refreshed, retrying")
					s.scheduleReconnect(cfg)
					return gwtypes.NewTransportError("access token expired and was refreshed")
				}
				s.auth.RevokeTokens(s.id)
			}
			s.setStatus(gwtypes.StatusAwaitingOAuth, "")
			return gwtypes.ErrAwaitingOAuth
		}
		s.setStatus(gwtypes.StatusError, err.Error())
		s.scheduleReconnect(cfg)
		return gwtypes.NewTransportError(err.Error())
	}

	s.mu.Lock()
	s.client = client
	s.clientSession = clientSession
	s.generation++
	gen := s.generation
	s.reconnectAttempts = 0
	s.mu.Unlock()

	s.discoverCapabilities(connectCtx, clientSession)

	now := time.Now()
	s.mu.Lock()
	s.lastConnected = &now
	s.mu.Unlock()
	s.setStatus(gwtypes.StatusConnected, "")

	go s.monitor(gen, clientSession)
	return nil
}

// buildTransport returns the decorator alongside the transport for remote
// configs so connectOnce can tell a 401 apart from any other failure once
// client.Connect returns; stdio has no decorator to inspect.
func (s *Session) buildTransport(cfg gwtypes.ServerConfig, tokens tokenProvider) (mcp.Transport, *headerDecorator, error) {
	if cfg.Transport == gwtypes.TransportStdio {
		t, err := buildStdioTransport(cfg)
		return t, nil, err
	}
	return buildRemoteTransport(cfg, tokens)
}

// discoverCapabilities runs the three (four, with resource templates) list
// calls independently: any one failing produces an empty list for that
// capability without failing the session (spec.md §4.4).
func (s *Session) discoverCapabilities(ctx context.Context, cs *mcp.ClientSession) {
	var tools []gwtypes.ToolInfo
	if res, err := cs.ListTools(ctx, &mcp.ListToolsParams{}); err == nil && res != nil {
		for _, t := range res.Tools {
			tools = append(tools, gwtypes.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
	} else if err != nil {
		s.logger.Warn("list tools failed", "server", s.id, "error", err)
	}

	var resources []gwtypes.ResourceInfo
	if res, err := cs.ListResources(ctx, &mcp.ListResourcesParams{}); err == nil && res != nil {
		for _, r := range res.Resources {
			resources = append(resources, gwtypes.ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
		}
	} else if err != nil {
		s.logger.Warn("list resources failed", "server", s.id, "error", err)
	}

	var templates []gwtypes.ResourceTemplateInfo
	if res, err := cs.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{}); err == nil && res != nil {
		for _, r := range res.ResourceTemplates {
			templates = append(templates, gwtypes.ResourceTemplateInfo{URITemplate: r.URITemplate, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
		}
	} else if err != nil {
		s.logger.Warn("list resource templates failed", "server", s.id, "error", err)
	}

	var prompts []gwtypes.PromptInfo
	if res, err := cs.ListPrompts(ctx, &mcp.ListPromptsParams{}); err == nil && res != nil {
		for _, p := range res.Prompts {
			var args []gwtypes.PromptArgument
			for _, a := range p.Arguments {
				args = append(args, gwtypes.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
			}
			prompts = append(prompts, gwtypes.PromptInfo{Name: p.Name, Description: p.Description, Arguments: args})
		}
	} else if err != nil {
		s.logger.Warn("list prompts failed", "server", s.id, "error", err)
	}

	s.mu.Lock()
	s.tools, s.resources, s.resourceTemplates, s.prompts = tools, resources, templates, prompts
	s.mu.Unlock()
}

// RefreshCapabilities re-discovers tools/resources/prompts; requires the
// session to be connected.
func (s *Session) RefreshCapabilities(ctx context.Context) error {
	s.mu.Lock()
	cs := s.clientSession
	connected := s.status == gwtypes.StatusConnected
	s.mu.Unlock()
	if !connected || cs == nil {
		return gwtypes.NewNotConnected(s.id)
	}
	s.discoverCapabilities(ctx, cs)
	return nil
}

func (s *Session) monitor(generation uint64, cs *mcp.ClientSession) {
	_ = cs.Wait()

	s.mu.Lock()
	if s.generation != generation || s.closed {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg.Clone()
	s.client = nil
	s.clientSession = nil
	s.tools, s.resources, s.resourceTemplates, s.prompts = nil, nil, nil, nil
	s.mu.Unlock()

	s.setStatus(gwtypes.StatusDisconnected, "")
	s.scheduleReconnect(cfg)
}

func (s *Session) scheduleReconnect(cfg gwtypes.ServerConfig) {
	if !cfg.Enabled {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	attempts := s.reconnectAttempts
	if attempts >= maxAttempts {
		s.mu.Unlock()
		s.setStatus(gwtypes.StatusError, "gave up reconnecting after repeated failures")
		return
	}
	delay := backoffDelay(attempts)
	s.reconnectAttempts++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("reconnect attempt failed", "server", s.id, "error", err)
		}
	})
	s.mu.Unlock()
}

// Disconnect cancels any pending reconnect, closes the client and
// transport, and resets runtime lists.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.generation++
	cs := s.clientSession
	s.client = nil
	s.clientSession = nil
	s.tools, s.resources, s.resourceTemplates, s.prompts = nil, nil, nil, nil
	s.mu.Unlock()

	if cs != nil {
		_ = cs.Close()
	}
	s.setStatus(gwtypes.StatusDisconnected, "")
	return nil
}

// Reconnect is Disconnect then Connect, resetting the backoff counter.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Close permanently tears the session down; it will never reconnect again.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Disconnect(ctx)
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) activeSession() (*mcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != gwtypes.StatusConnected || s.clientSession == nil {
		return nil, gwtypes.NewNotConnected(s.id)
	}
	return s.clientSession, nil
}

// CallTool forwards a tools/call to the upstream.
func (s *Session) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	cs, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, classifyRemoteErr(ctx, s.id, err)
	}
	return res, nil
}

// ReadResource forwards a resources/read to the upstream.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cs, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, classifyRemoteErr(ctx, s.id, err)
	}
	return res, nil
}

// GetPrompt forwards a prompts/get to the upstream.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cs, err := s.activeSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, classifyRemoteErr(ctx, s.id, err)
	}
	return res, nil
}

func classifyRemoteErr(ctx context.Context, serverID string, err error) error {
	if ctx.Err() != nil {
		return gwtypes.NewTimeout(serverID)
	}
	return gwtypes.NewUpstreamError(0, err.Error())
}
