package gwcore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwrouter"
	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
	"github.com/mcpbridge/gateway/pkg/gwupstream"
)

// shutdownGrace bounds how long Shutdown waits for each session's disconnect
// before moving on, so one slow upstream never blocks process exit.
const shutdownGrace = 5 * time.Second

// AggregatedTool, AggregatedResource, and AggregatedPrompt annotate an
// upstream capability with the owning server's id and name, as spec.md §4.5
// requires of the Gateway's query interface; prefixing and description
// compaction are NameRouter/ProxyMcpServer concerns applied on top of these.
type AggregatedTool struct {
	ServerID   string
	ServerName string
	Tool       gwtypes.ToolInfo
}

type AggregatedResource struct {
	ServerID   string
	ServerName string
	Resource   gwtypes.ResourceInfo
}

type AggregatedPrompt struct {
	ServerID   string
	ServerName string
	Prompt     gwtypes.PromptInfo
}

type AggregatedResourceTemplate struct {
	ServerID   string
	ServerName string
	Template   gwtypes.ResourceTemplateInfo
}

// Gateway is the registry of UpstreamSessions (spec component C5): it
// serializes configuration mutations per server id, publishes lifecycle
// events, and answers aggregated queries and routed dispatch. Adapted from
// the teacher's mcpmgr.Manager, narrowed to hold gwupstream.Session values.
type Gateway struct {
	store  *gwstore.Store
	auth   *gwauth.Manager
	bus    *gwevents.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*gwupstream.Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	shutdownMu        sync.Mutex
	shutdownRequested bool

	elicitMu sync.RWMutex
	elicit   gwupstream.ElicitationForwarder
}

// SetElicitationForwarder wires the handler every subsequently-constructed
// Session uses to forward an upstream's mid-call ElicitRequest back to
// whichever downstream session originated it. The composition root must
// call this before Initialize so it reaches every session's client options.
func (g *Gateway) SetElicitationForwarder(fn gwupstream.ElicitationForwarder) {
	g.elicitMu.Lock()
	g.elicit = fn
	g.elicitMu.Unlock()
}

func (g *Gateway) elicitationForwarder() gwupstream.ElicitationForwarder {
	g.elicitMu.RLock()
	defer g.elicitMu.RUnlock()
	return g.elicit
}

// New constructs a Gateway bound to store, auth, and bus. Call Initialize to
// load persisted configs and auto-connect enabled servers.
func New(store *gwstore.Store, auth *gwauth.Manager, bus *gwevents.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:    store,
		auth:     auth,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*gwupstream.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (g *Gateway) lockFor(id string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

func (g *Gateway) newSession(cfg gwtypes.ServerConfig) *gwupstream.Session {
	onStatus := func(id string, status gwtypes.Status, errMsg string) {
		g.logger.Debug("session status changed", "server", id, "status", status, "error", errMsg)
	}
	opts := []gwupstream.Option{}
	if fwd := g.elicitationForwarder(); fwd != nil {
		opts = append(opts, gwupstream.WithElicitationForwarder(fwd))
	}
	return gwupstream.New(cfg, g.bus, g.auth, g.logger, onStatus, opts...)
}

// Initialize loads every persisted server config, constructs a Session for
// each, and auto-connects the ones marked enabled (best-effort, in
// parallel — a slow or dead upstream must never block gateway startup).
func (g *Gateway) Initialize(ctx context.Context) error {
	configs := g.store.ListServers()

	g.mu.Lock()
	for _, cfg := range configs {
		g.sessions[cfg.ID] = g.newSession(cfg)
	}
	g.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		go func(id string) {
			if err := g.ConnectServer(ctx, id); err != nil {
				g.logger.Warn("initial connect failed", "server", id, "error", err)
			}
		}(cfg.ID)
	}
	return nil
}

// RegisterServer persists cfg via the Store, constructs its Session, fires
// server:added, and auto-connects if cfg.Enabled.
func (g *Gateway) RegisterServer(ctx context.Context, cfg gwtypes.ServerConfig) (gwtypes.ServerConfig, error) {
	saved, err := g.store.AddServer(cfg)
	if err != nil {
		return gwtypes.ServerConfig{}, err
	}

	l := g.lockFor(saved.ID)
	l.Lock()
	g.mu.Lock()
	g.sessions[saved.ID] = g.newSession(saved)
	g.mu.Unlock()
	l.Unlock()

	g.publish(gwtypes.EventServerAdded, gwtypes.ServerAddedPayload{ServerID: saved.ID, Name: saved.Name})

	if saved.Enabled {
		if err := g.ConnectServer(ctx, saved.ID); err != nil {
			g.logger.Warn("auto-connect after register failed", "server", saved.ID, "error", err)
		}
	}
	return saved, nil
}

// UpdateServer persists patch, decides whether the effective auth mode or
// connection settings changed, and reconnects only when necessary
// (spec.md §4.5).
func (g *Gateway) UpdateServer(ctx context.Context, id string, patch gwstore.ServerPatch) (gwtypes.ServerConfig, error) {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()

	before, err := g.store.GetServer(id)
	if err != nil {
		return gwtypes.ServerConfig{}, err
	}
	after, err := g.store.UpdateServer(id, patch)
	if err != nil {
		return gwtypes.ServerConfig{}, err
	}

	if after.Transport != gwtypes.TransportStdio {
		if after.Auth.Mode == gwtypes.AuthOAuth {
			g.auth.ReplaceProvider(id, after.Auth)
		} else {
			g.auth.RemoveProvider(id)
		}
	}

	g.mu.Lock()
	session, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		session = g.newSession(after)
		g.mu.Lock()
		g.sessions[id] = session
		g.mu.Unlock()
	} else {
		session.UpdateConfig(after)
	}

	needsReconnect := !gwtypes.ConnectionSettingsEqual(before, after)
	switch {
	case !after.Enabled:
		_ = session.Disconnect(ctx)
	case needsReconnect && before.Enabled:
		if err := session.Reconnect(ctx); err != nil {
			g.logger.Warn("reconnect after update failed", "server", id, "error", err)
		}
	case after.Enabled && !before.Enabled:
		if err := session.Connect(ctx); err != nil {
			g.logger.Warn("connect after enable failed", "server", id, "error", err)
		}
	}

	g.publish(gwtypes.EventServerUpdated, gwtypes.ServerUpdatedPayload{ServerID: id})
	return after, nil
}

// RemoveServer disconnects the session, discards it and its OAuth state, and
// removes the config from the Store — in that order, per spec.md §4.5.
func (g *Gateway) RemoveServer(ctx context.Context, id string) error {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cfg, err := g.store.GetServer(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	session, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if ok {
		_ = session.Close(ctx)
	}
	g.auth.RemoveProvider(id)

	if err := g.store.RemoveServer(id); err != nil {
		return err
	}
	g.publish(gwtypes.EventServerRemoved, gwtypes.ServerRemovedPayload{ServerID: id, Name: cfg.Name})
	return nil
}

// ConnectServer, DisconnectServer, and ReconnectServer forward to the
// session under the id's mutation lock so they never interleave with an
// UpdateServer or RemoveServer on the same id.
func (g *Gateway) ConnectServer(ctx context.Context, id string) error {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()
	session, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return session.Connect(ctx)
}

func (g *Gateway) DisconnectServer(ctx context.Context, id string) error {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()
	session, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return session.Disconnect(ctx)
}

func (g *Gateway) ReconnectServer(ctx context.Context, id string) error {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()
	session, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return session.Reconnect(ctx)
}

// OnOAuthComplete tears down the stale (pre-token) transport and initiates a
// fresh connect now that tokens are available, per spec.md line 103.
func (g *Gateway) OnOAuthComplete(ctx context.Context, id string) error {
	l := g.lockFor(id)
	l.Lock()
	defer l.Unlock()
	session, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return session.Reconnect(ctx)
}

func (g *Gateway) sessionFor(id string) (*gwupstream.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, gwtypes.NewConfigNotFound(id)
	}
	return s, nil
}

// GetServerStatus returns a single session's snapshot.
func (g *Gateway) GetServerStatus(id string) (gwtypes.ServerStatus, error) {
	session, err := g.sessionFor(id)
	if err != nil {
		return gwtypes.ServerStatus{}, err
	}
	return session.Snapshot(), nil
}

// GetAllServerStatuses snapshots every registered session, ordered by
// server name for stable listing.
func (g *Gateway) GetAllServerStatuses() []gwtypes.ServerStatus {
	g.mu.RLock()
	sessions := make([]*gwupstream.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	out := make([]gwtypes.ServerStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// GetAllTools, GetAllResources, and GetAllPrompts aggregate every connected
// session's current capability list, annotated with server id and name.
func (g *Gateway) GetAllTools() []AggregatedTool {
	var out []AggregatedTool
	for _, snap := range g.GetAllServerStatuses() {
		for _, t := range snap.Tools {
			out = append(out, AggregatedTool{ServerID: snap.Config.ID, ServerName: snap.Config.Name, Tool: t})
		}
	}
	return out
}

func (g *Gateway) GetAllResources() []AggregatedResource {
	var out []AggregatedResource
	for _, snap := range g.GetAllServerStatuses() {
		for _, r := range snap.Resources {
			out = append(out, AggregatedResource{ServerID: snap.Config.ID, ServerName: snap.Config.Name, Resource: r})
		}
	}
	return out
}

func (g *Gateway) GetAllPrompts() []AggregatedPrompt {
	var out []AggregatedPrompt
	for _, snap := range g.GetAllServerStatuses() {
		for _, p := range snap.Prompts {
			out = append(out, AggregatedPrompt{ServerID: snap.Config.ID, ServerName: snap.Config.Name, Prompt: p})
		}
	}
	return out
}

func (g *Gateway) GetAllResourceTemplates() []AggregatedResourceTemplate {
	var out []AggregatedResourceTemplate
	for _, snap := range g.GetAllServerStatuses() {
		for _, t := range snap.ResourceTemplates {
			out = append(out, AggregatedResourceTemplate{ServerID: snap.Config.ID, ServerName: snap.Config.Name, Template: t})
		}
	}
	return out
}

// RouterSnapshot builds a fresh gwrouter.Router over the current aggregated
// tools/prompts/resources, for callers (ProxyMcpServer) that need reverse
// resolution from a prefixed name back to a server.
func (g *Gateway) RouterSnapshot() *gwrouter.Router {
	tools := entriesFromTools(g.GetAllTools())
	prompts := entriesFromPrompts(g.GetAllPrompts())
	resources := entriesFromResources(g.GetAllResources())
	return gwrouter.NewRouter(tools, prompts, resources)
}

// TemplateRouterSnapshot builds a fresh gwrouter.TemplateRouter over the
// current aggregated resource templates, for matching a concrete resource
// URI a downstream client requests against the templates upstreams advertise.
func (g *Gateway) TemplateRouterSnapshot() *gwrouter.TemplateRouter {
	all := g.GetAllResourceTemplates()
	entries := make([]gwrouter.TemplateEntry, 0, len(all))
	for _, t := range all {
		entries = append(entries, gwrouter.TemplateEntry{ServerID: t.ServerID, ServerName: t.ServerName, URITemplate: t.Template.URITemplate})
	}
	return gwrouter.NewTemplateRouter(entries)
}

func entriesFromTools(in []AggregatedTool) []gwrouter.Entry {
	out := make([]gwrouter.Entry, 0, len(in))
	for _, t := range in {
		out = append(out, gwrouter.Entry{ServerID: t.ServerID, ServerName: t.ServerName, Original: t.Tool.Name})
	}
	return out
}

func entriesFromPrompts(in []AggregatedPrompt) []gwrouter.Entry {
	out := make([]gwrouter.Entry, 0, len(in))
	for _, p := range in {
		out = append(out, gwrouter.Entry{ServerID: p.ServerID, ServerName: p.ServerName, Original: p.Prompt.Name})
	}
	return out
}

func entriesFromResources(in []AggregatedResource) []gwrouter.Entry {
	out := make([]gwrouter.Entry, 0, len(in))
	for _, r := range in {
		out = append(out, gwrouter.Entry{ServerID: r.ServerID, ServerName: r.ServerName, Original: r.Resource.URI})
	}
	return out
}

// CallTool, ReadResource, and GetPrompt are the routed delegations spec.md
// §4.5 names: they look the target session up and forward, without holding
// the mutation lock (in-flight requests may run concurrently with a
// reconnect scheduled on the same id, per §5's per-session ownership).
func (g *Gateway) CallTool(ctx context.Context, serverID, name string, args any) (any, error) {
	session, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	return session.CallTool(ctx, name, args)
}

// CallToolByName resolves a prefixed tool name via a fresh router snapshot
// and forwards to the owning session.
func (g *Gateway) CallToolByName(ctx context.Context, prefixedName string, args any) (any, error) {
	target, ok := g.RouterSnapshot().ResolveTool(prefixedName)
	if !ok {
		return nil, gwtypes.NewNoSuchTool(prefixedName)
	}
	return g.CallTool(ctx, target.ServerID, target.Original, args)
}

func (g *Gateway) ReadResource(ctx context.Context, serverID, uri string) (any, error) {
	session, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	return session.ReadResource(ctx, uri)
}

// ReadResourceByURI resolves uri against literal resources first, falling
// back to the aggregated resource-template set when no exact match exists —
// a concrete URI matching a template is still owned by whichever upstream
// advertised that template.
func (g *Gateway) ReadResourceByURI(ctx context.Context, uri string) (any, error) {
	if target, ok := g.RouterSnapshot().ResolveResource(uri); ok {
		return g.ReadResource(ctx, target.ServerID, uri)
	}
	if target, ok := g.TemplateRouterSnapshot().Match(uri); ok {
		return g.ReadResource(ctx, target.ServerID, uri)
	}
	return nil, gwtypes.NewNoSuchResource(uri)
}

func (g *Gateway) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (any, error) {
	session, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	return session.GetPrompt(ctx, name, args)
}

func (g *Gateway) publish(topic gwtypes.EventTopic, payload any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(gwtypes.Event{Topic: topic, Payload: payload})
}

// Shutdown sets shutdownRequested, cancels every pending reconnect timer
// (implicit in each session's Close), and disconnects all sessions in
// parallel with a per-session grace limit, per spec.md §4.5 and §5.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownMu.Lock()
	g.shutdownRequested = true
	g.shutdownMu.Unlock()

	g.mu.Lock()
	sessions := make([]*gwupstream.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessions = make(map[string]*gwupstream.Session)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *gwupstream.Session) {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			if err := s.Close(shutdownCtx); err != nil {
				g.logger.Warn("shutdown disconnect failed", "server", s.ID(), "error", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

// IsShuttingDown reports whether Shutdown has been called.
func (g *Gateway) IsShuttingDown() bool {
	g.shutdownMu.Lock()
	defer g.shutdownMu.Unlock()
	return g.shutdownRequested
}
