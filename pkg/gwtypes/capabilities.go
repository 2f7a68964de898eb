package gwtypes

// Status is the UpstreamSession runtime state machine's current value.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
	StatusAwaitingOAuth Status = "awaitingOauth"
)

// ToolInfo, ResourceInfo, and PromptInfo are opaque-schema capability
// descriptors as returned by an upstream MCP server before any gateway-side
// prefixing or compaction is applied.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ResourceTemplateInfo struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type PromptInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ServerStatus is the query-side snapshot returned by Gateway.getServerStatus
// and friends: the persisted config plus its live runtime state.
type ServerStatus struct {
	Config            ServerConfig           `json:"config"`
	Status            Status                 `json:"status"`
	Error             string                 `json:"error,omitempty"`
	Tools             []ToolInfo             `json:"tools,omitempty"`
	Resources         []ResourceInfo         `json:"resources,omitempty"`
	ResourceTemplates []ResourceTemplateInfo `json:"resourceTemplates,omitempty"`
	Prompts           []PromptInfo           `json:"prompts,omitempty"`
	LastConnected     *int64                 `json:"lastConnected,omitempty"` // unix millis
	ReconnectAttempts int                    `json:"reconnectAttempts"`
}
