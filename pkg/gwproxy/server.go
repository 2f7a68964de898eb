package gwproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwcore"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwlog"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// downstreamSession pairs one client-facing mcp.Server with the feature
// index that keeps its tool/prompt/resource set synced to the shared
// Gateway registry. spec.md §4.7 requires each downstream client to bind
// its own Server instance rather than share the teacher's single one.
type downstreamSession struct {
	mu       sync.Mutex
	server   *mcp.Server
	features *featureIndex
}

// ProxyServer is ProxyMcpServer (spec component C7). Construct with
// NewProxyServer and mount Handler() under the Streamable-HTTP path.
type ProxyServer struct {
	gw     *gwcore.Gateway
	bus    *gwevents.Bus
	reqlog *gwlog.Log
	logger *slog.Logger

	implName    string
	implVersion string

	progress *progressTracker
	httpMux  http.Handler

	mu         sync.Mutex
	downstream []*downstreamSession

	sub gwevents.Subscription
}

// NewProxyServer wires gw's elicitation forwarding to this server's
// downstream sessions and returns a ProxyServer ready to have Handler()
// mounted. Call before gw.Initialize so every Session picks up the
// forwarder.
func NewProxyServer(gw *gwcore.Gateway, bus *gwevents.Bus, reqlog *gwlog.Log, implName, implVersion string, logger *slog.Logger) *ProxyServer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProxyServer{
		gw:          gw,
		bus:         bus,
		reqlog:      reqlog,
		logger:      logger,
		implName:    implName,
		implVersion: implVersion,
		progress:    newProgressTracker(logger),
	}
	p.httpMux = mcp.NewStreamableHTTPHandler(p.newServerForRequest, nil)
	gw.SetElicitationForwarder(p.forwardElicitation)
	if bus != nil {
		p.sub = bus.Subscribe(p.onEvent,
			gwtypes.EventServerConnected,
			gwtypes.EventServerDisconnected,
			gwtypes.EventServerUpdated,
			gwtypes.EventServerRemoved,
		)
	}
	return p
}

// Handler exposes the Streamable-HTTP mux every downstream client connects
// to.
func (p *ProxyServer) Handler() http.Handler {
	return p.httpMux
}

// Close unsubscribes from the EventBus. Idempotent.
func (p *ProxyServer) Close() {
	if p.bus != nil {
		p.bus.Unsubscribe(p.sub)
	}
}

func (p *ProxyServer) newServerForRequest(*http.Request) *mcp.Server {
	ds := &downstreamSession{features: newFeatureIndex()}
	impl := &mcp.Implementation{Name: p.implName, Version: p.implVersion}
	ds.server = mcp.NewServer(impl, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	gwcore.RegisterMetaTools(ds.server, p.gw)
	p.syncAll(ds)

	p.mu.Lock()
	p.downstream = append(p.downstream, ds)
	p.mu.Unlock()

	return ds.server
}

// syncAll registers every currently-aggregated tool, prompt, resource, and
// resource template onto ds — used once, right after the fresh Server is
// built, to give a newly-connecting client the current world view.
//
// The registration order here is the grouping order a tools/list response
// exposes, so it walks servers sorted by name rather than a map's
// unspecified iteration order.
func (p *ProxyServer) syncAll(ds *downstreamSession) {
	order := serverSyncOrder(p.gw)
	toolsByID := toolsByServer(p.gw.GetAllTools())
	promptsByID := promptsByServer(p.gw.GetAllPrompts())
	resourcesByID := resourcesByServer(p.gw.GetAllResources())
	templatesByID := templatesByServer(p.gw.GetAllResourceTemplates())

	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, srv := range order {
		p.applyToolsLocked(ds, srv.id, srv.name, toolsByID[srv.id])
		p.applyPromptsLocked(ds, srv.id, srv.name, promptsByID[srv.id])
		p.applyResourcesLocked(ds, srv.id, srv.name, resourcesByID[srv.id])
		p.applyTemplatesLocked(ds, srv.id, srv.name, templatesByID[srv.id])
	}
}

type serverIdentity struct {
	id   string
	name string
}

func serverSyncOrder(gw *gwcore.Gateway) []serverIdentity {
	statuses := gw.GetAllServerStatuses()
	out := make([]serverIdentity, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, serverIdentity{id: s.Config.ID, name: s.Config.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// onEvent resyncs every live downstream session's view of one server
// whenever the Gateway's aggregation for it changes. Delivery is
// best-effort per session: a session whose transport has since torn down
// simply no-ops on Add/RemoveTools, so a stale entry is never fatal.
func (p *ProxyServer) onEvent(ev gwtypes.Event) {
	serverID, ok := serverIDFromPayload(ev.Payload)
	if !ok {
		return
	}
	status, err := p.gw.GetServerStatus(serverID)
	if err != nil {
		// The server is no longer registered: sync against an empty status
		// so its tools, prompts, resources and templates are withdrawn.
		status = gwtypes.ServerStatus{}
	}
	name := status.Config.Name

	p.mu.Lock()
	sessions := append([]*downstreamSession(nil), p.downstream...)
	p.mu.Unlock()

	for _, ds := range sessions {
		ds.mu.Lock()
		p.applyToolsLocked(ds, serverID, name, status.Tools)
		p.applyPromptsLocked(ds, serverID, name, status.Prompts)
		p.applyResourcesLocked(ds, serverID, name, status.Resources)
		p.applyTemplatesLocked(ds, serverID, name, status.ResourceTemplates)
		ds.mu.Unlock()
	}
}

func serverIDFromPayload(payload any) (string, bool) {
	switch v := payload.(type) {
	case gwtypes.ServerStatusPayload:
		return v.ServerID, true
	case gwtypes.ServerUpdatedPayload:
		return v.ServerID, true
	case gwtypes.ServerRemovedPayload:
		return v.ServerID, true
	default:
		return "", false
	}
}

func (p *ProxyServer) applyToolsLocked(ds *downstreamSession, serverID, serverName string, tools []gwtypes.ToolInfo) {
	removed, added := ds.features.UpdateTools(serverID, serverName, tools)
	if len(removed) > 0 {
		ds.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		ds.server.AddTool(reg.Tool, p.makeToolHandler(reg.Target))
	}
}

func (p *ProxyServer) applyPromptsLocked(ds *downstreamSession, serverID, serverName string, prompts []gwtypes.PromptInfo) {
	removed, added := ds.features.UpdatePrompts(serverID, serverName, prompts)
	if len(removed) > 0 {
		ds.server.RemovePrompts(removed...)
	}
	for _, reg := range added {
		ds.server.AddPrompt(reg.Prompt, p.makePromptHandler(reg.Target))
	}
}

func (p *ProxyServer) applyResourcesLocked(ds *downstreamSession, serverID, serverName string, resources []gwtypes.ResourceInfo) {
	removed, added := ds.features.UpdateResources(serverID, serverName, resources)
	if len(removed) > 0 {
		ds.server.RemoveResources(removed...)
	}
	for _, reg := range added {
		ds.server.AddResource(reg.Resource, p.makeResourceHandler(reg.Target))
	}
}

func (p *ProxyServer) applyTemplatesLocked(ds *downstreamSession, serverID, serverName string, templates []gwtypes.ResourceTemplateInfo) {
	removed, added := ds.features.UpdateResourceTemplates(serverID, serverName, templates)
	if len(removed) > 0 {
		ds.server.RemoveResourceTemplates(removed...)
	}
	for _, reg := range added {
		ds.server.AddResourceTemplate(reg.Template, p.makeResourceTemplateHandler(reg.Target))
	}
}

func (p *ProxyServer) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callCtx := bindSession(ctx, req.Session)
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		logID := p.reqlog.Start(gwlog.StartParams{
			Type:           gwtypes.LogTypeTool,
			Method:         target.GatewayName,
			OriginalMethod: target.NativeName,
			Upstream:       gwtypes.UpstreamRef{ID: target.ServerID, Name: target.ServerName},
			Arguments:      args,
		})

		var cleanup func()
		if req.Session != nil && req.Params != nil {
			cleanup = p.progress.track(target.ServerID, req.Session, req.Params)
		}
		result, err := p.gw.CallTool(callCtx, target.ServerID, target.NativeName, args)
		if cleanup != nil {
			cleanup()
		}
		if err != nil {
			p.reqlog.Fail(logID, err.Error())
			return errorResult(err), nil
		}
		toolResult, _ := result.(*mcp.CallToolResult)
		if toolResult == nil {
			toolResult = &mcp.CallToolResult{}
		}
		p.reqlog.Complete(logID, toolResult.Content, toolResult.IsError)
		return toolResult, nil
	}
}

func (p *ProxyServer) makePromptHandler(target promptTarget) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		callCtx := bindSession(ctx, req.Session)
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		logID := p.reqlog.Start(gwlog.StartParams{
			Type:           gwtypes.LogTypePrompt,
			Method:         target.GatewayName,
			OriginalMethod: target.NativeName,
			Upstream:       gwtypes.UpstreamRef{ID: target.ServerID, Name: target.ServerName},
			Arguments:      args,
		})
		result, err := p.gw.GetPrompt(callCtx, target.ServerID, target.NativeName, args)
		if err != nil {
			p.reqlog.Fail(logID, err.Error())
			return nil, err
		}
		promptResult, _ := result.(*mcp.GetPromptResult)
		p.reqlog.Complete(logID, promptResult, false)
		return promptResult, nil
	}
}

func (p *ProxyServer) makeResourceHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		logID := p.reqlog.Start(gwlog.StartParams{
			Type:     gwtypes.LogTypeResource,
			Method:   target.GatewayURI,
			Upstream: gwtypes.UpstreamRef{ID: target.ServerID, Name: target.ServerName},
		})
		result, err := p.gw.ReadResource(callCtx, target.ServerID, target.NativeURI)
		if err != nil {
			p.reqlog.Fail(logID, err.Error())
			return nil, err
		}
		readResult, _ := result.(*mcp.ReadResourceResult)
		p.reqlog.Complete(logID, readResult, false)
		return readResult, nil
	}
}

// makeResourceTemplateHandler forwards the concrete URI a client actually
// requested (not the template pattern) to the upstream that advertised the
// matching template — templates carry no rewritten URI to translate back,
// unlike the teacher's namespaced scheme.
func (p *ProxyServer) makeResourceTemplateHandler(target resourceTemplateTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		uri := target.URITemplate
		if req.Params != nil && req.Params.URI != "" {
			uri = req.Params.URI
		}
		logID := p.reqlog.Start(gwlog.StartParams{
			Type:     gwtypes.LogTypeResource,
			Method:   uri,
			Upstream: gwtypes.UpstreamRef{ID: target.ServerID, Name: target.ServerName},
		})
		result, err := p.gw.ReadResource(callCtx, target.ServerID, uri)
		if err != nil {
			p.reqlog.Fail(logID, err.Error())
			return nil, err
		}
		readResult, _ := result.(*mcp.ReadResourceResult)
		p.reqlog.Complete(logID, readResult, false)
		return readResult, nil
	}
}

// forwardElicitation routes an upstream's mid-call ElicitRequest back to the
// downstream ServerSession bound onto ctx by bindSession, mirroring the
// teacher's forwardElicitation/SetElicitationCallback pair.
func (p *ProxyServer) forwardElicitation(ctx context.Context, serverID string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	session := sessionFromContext(ctx)
	if session == nil {
		return nil, fmt.Errorf("gwproxy: no downstream session bound for elicitation from %s", serverID)
	}
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("gwproxy: malformed elicit request from %s", serverID)
	}
	return session.Elicit(ctx, req.Params)
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
