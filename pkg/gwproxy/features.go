package gwproxy

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwcore"
	"github.com/mcpbridge/gateway/pkg/gwrouter"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// toolTarget, promptTarget, and resourceTarget record which upstream owns a
// gateway-facing name, so a tools/call or prompts/get can be routed back.
// Adapted from the teacher's feature_index.go toolTarget/promptTarget, minus
// the metadata-cloning machinery gwtypes.ToolInfo already makes unnecessary.
type toolTarget struct {
	GatewayName string
	ServerID    string
	ServerName  string
	NativeName  string
}

type promptTarget struct {
	GatewayName string
	ServerID    string
	ServerName  string
	NativeName  string
}

type resourceTarget struct {
	GatewayURI string
	ServerID   string
	ServerName string
	NativeURI  string
}

// resourceTemplateTarget records which upstream owns an aggregated resource
// template, keyed by its literal URI template string. Mirrors the teacher's
// ResourceTemplateTarget.
type resourceTemplateTarget struct {
	URITemplate string
	ServerID    string
	ServerName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

type promptRegistration struct {
	Prompt *mcp.Prompt
	Target promptTarget
}

type resourceRegistration struct {
	Resource *mcp.Resource
	Target   resourceTarget
}

type resourceTemplateRegistration struct {
	Template *mcp.ResourceTemplate
	Target   resourceTemplateTarget
}

// featureIndex tracks, for one downstream mcp.Server, which gateway-facing
// tool/prompt/resource names currently correspond to which upstream server.
// UpdateX(serverID, ...) replaces that server's slice of entries and reports
// the diff so the caller can Add/RemoveTools on the underlying mcp.Server —
// the SDK derives its own listChanged notifications from those calls.
type featureIndex struct {
	tools       map[string]toolTarget
	serverTools map[string][]string

	prompts       map[string]promptTarget
	serverPrompts map[string][]string

	resources       map[string]resourceTarget
	serverResources map[string][]string

	templates       map[string]resourceTemplateTarget
	serverTemplates map[string][]string
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{
		tools:           make(map[string]toolTarget),
		serverTools:     make(map[string][]string),
		prompts:         make(map[string]promptTarget),
		serverPrompts:   make(map[string][]string),
		resources:       make(map[string]resourceTarget),
		serverResources: make(map[string][]string),
		templates:       make(map[string]resourceTemplateTarget),
		serverTemplates: make(map[string][]string),
	}
}

func (f *featureIndex) UpdateTools(serverID, serverName string, upstream []gwtypes.ToolInfo) (removed []string, added []toolRegistration) {
	removed = f.removeTools(serverID)
	names := make([]string, 0, len(upstream))
	for _, t := range upstream {
		gatewayName := gwrouter.PrefixName(serverName, t.Name)
		tool := &mcp.Tool{
			Name:        gatewayName,
			Description: gwrouter.CompactDescription(serverName, t.Description),
		}
		if schema, ok := t.InputSchema.(*jsonschema.Schema); ok {
			tool.InputSchema = schema
		}
		target := toolTarget{GatewayName: gatewayName, ServerID: serverID, ServerName: serverName, NativeName: t.Name}
		f.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: tool, Target: target})
		names = append(names, gatewayName)
	}
	f.serverTools[serverID] = names
	return removed, added
}

func (f *featureIndex) UpdatePrompts(serverID, serverName string, upstream []gwtypes.PromptInfo) (removed []string, added []promptRegistration) {
	removed = f.removePrompts(serverID)
	names := make([]string, 0, len(upstream))
	for _, p := range upstream {
		gatewayName := gwrouter.PrefixName(serverName, p.Name)
		args := make([]*mcp.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, &mcp.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		prompt := &mcp.Prompt{
			Name:        gatewayName,
			Description: gwrouter.CompactDescription(serverName, p.Description),
			Arguments:   args,
		}
		target := promptTarget{GatewayName: gatewayName, ServerID: serverID, ServerName: serverName, NativeName: p.Name}
		f.prompts[gatewayName] = target
		added = append(added, promptRegistration{Prompt: prompt, Target: target})
		names = append(names, gatewayName)
	}
	f.serverPrompts[serverID] = names
	return removed, added
}

// UpdateResources leaves URIs unmodified — resources are never prefixed
// (spec.md §4.6) — but still compacts the description for provenance.
func (f *featureIndex) UpdateResources(serverID, serverName string, upstream []gwtypes.ResourceInfo) (removed []string, added []resourceRegistration) {
	removed = f.removeResources(serverID)
	names := make([]string, 0, len(upstream))
	for _, r := range upstream {
		resource := &mcp.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: gwrouter.CompactDescription(serverName, r.Description),
			MIMEType:    r.MimeType,
		}
		target := resourceTarget{GatewayURI: r.URI, ServerID: serverID, ServerName: serverName, NativeURI: r.URI}
		f.resources[r.URI] = target
		added = append(added, resourceRegistration{Resource: resource, Target: target})
		names = append(names, r.URI)
	}
	f.serverResources[serverID] = names
	return removed, added
}

// UpdateResourceTemplates mirrors UpdateResources: templates are never
// prefixed, since a concrete URI they later match is resolved against the
// upstream that advertised the template, not against a rewritten name.
func (f *featureIndex) UpdateResourceTemplates(serverID, serverName string, upstream []gwtypes.ResourceTemplateInfo) (removed []string, added []resourceTemplateRegistration) {
	removed = f.removeTemplates(serverID)
	keys := make([]string, 0, len(upstream))
	for _, t := range upstream {
		template := &mcp.ResourceTemplate{
			URITemplate: t.URITemplate,
			Name:        t.Name,
			Description: gwrouter.CompactDescription(serverName, t.Description),
			MIMEType:    t.MimeType,
		}
		target := resourceTemplateTarget{URITemplate: t.URITemplate, ServerID: serverID, ServerName: serverName}
		f.templates[t.URITemplate] = target
		added = append(added, resourceTemplateRegistration{Template: template, Target: target})
		keys = append(keys, t.URITemplate)
	}
	f.serverTemplates[serverID] = keys
	return removed, added
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) PromptTarget(name string) (promptTarget, bool) {
	p, ok := f.prompts[name]
	return p, ok
}

func (f *featureIndex) ResourceTarget(uri string) (resourceTarget, bool) {
	r, ok := f.resources[uri]
	return r, ok
}

func (f *featureIndex) removeTools(serverID string) []string {
	names := f.serverTools[serverID]
	for _, n := range names {
		delete(f.tools, n)
	}
	delete(f.serverTools, serverID)
	return append([]string(nil), names...)
}

func (f *featureIndex) removePrompts(serverID string) []string {
	names := f.serverPrompts[serverID]
	for _, n := range names {
		delete(f.prompts, n)
	}
	delete(f.serverPrompts, serverID)
	return append([]string(nil), names...)
}

func (f *featureIndex) removeResources(serverID string) []string {
	names := f.serverResources[serverID]
	for _, n := range names {
		delete(f.resources, n)
	}
	delete(f.serverResources, serverID)
	return append([]string(nil), names...)
}

func (f *featureIndex) removeTemplates(serverID string) []string {
	keys := f.serverTemplates[serverID]
	for _, k := range keys {
		delete(f.templates, k)
	}
	delete(f.serverTemplates, serverID)
	return append([]string(nil), keys...)
}

// toolsByServer, promptsByServer, resourcesByServer and templatesByServer
// group gwcore's flat aggregated lists back into
// per-server slices, since UpdateTools/Prompts/Resources sync one server's
// entries at a time.
func toolsByServer(all []gwcore.AggregatedTool) map[string][]gwtypes.ToolInfo {
	out := make(map[string][]gwtypes.ToolInfo)
	for _, t := range all {
		out[t.ServerID] = append(out[t.ServerID], t.Tool)
	}
	return out
}

func promptsByServer(all []gwcore.AggregatedPrompt) map[string][]gwtypes.PromptInfo {
	out := make(map[string][]gwtypes.PromptInfo)
	for _, p := range all {
		out[p.ServerID] = append(out[p.ServerID], p.Prompt)
	}
	return out
}

func resourcesByServer(all []gwcore.AggregatedResource) map[string][]gwtypes.ResourceInfo {
	out := make(map[string][]gwtypes.ResourceInfo)
	for _, r := range all {
		out[r.ServerID] = append(out[r.ServerID], r.Resource)
	}
	return out
}

func templatesByServer(all []gwcore.AggregatedResourceTemplate) map[string][]gwtypes.ResourceTemplateInfo {
	out := make(map[string][]gwtypes.ResourceTemplateInfo)
	for _, t := range all {
		out[t.ServerID] = append(out[t.ServerID], t.Template)
	}
	return out
}
