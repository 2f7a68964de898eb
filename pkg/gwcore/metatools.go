package gwcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwrouter"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// MetaToolPrefix namespaces the three built-in tools spec.md §4.8 describes.
// They are registered directly on the downstream mcp.Server (never routed
// through NameRouter) and are excluded from RequestLog, since they never
// touch an upstream.
const MetaToolPrefix = "gateway"

const defaultSearchLimit = 20

// RegisterMetaTools wires gateway__list_servers, gateway__search_tools, and
// gateway__get_server_tools onto srv using the generic mcp.AddTool form so
// each input struct's jsonschema tags become its declared input schema
// (grounded on the teacher pack's sa6mwa-lockd server, the only example
// wiring typed structs through jsonschema-go this way).
func RegisterMetaTools(srv *mcp.Server, gw *Gateway) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        MetaToolPrefix + gwrouter.Separator + "list_servers",
		Description: "List every registered upstream MCP server with its connection status and capability counts.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ listServersInput) (*mcp.CallToolResult, listServersOutput, error) {
		return handleListServers(gw)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        MetaToolPrefix + gwrouter.Separator + "search_tools",
		Description: "Search every upstream server's tools by keyword; returns full descriptions and input schemas for matches.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input searchToolsInput) (*mcp.CallToolResult, searchToolsOutput, error) {
		return handleSearchTools(gw, input)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        MetaToolPrefix + gwrouter.Separator + "get_server_tools",
		Description: "List every tool belonging to servers whose normalized prefix contains the given substring.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input getServerToolsInput) (*mcp.CallToolResult, getServerToolsOutput, error) {
		return handleGetServerTools(gw, input)
	})
}

type listServersInput struct{}

type serverSummaryRow struct {
	Name      string            `json:"name"`
	Prefix    string            `json:"prefix"`
	Status    gwtypes.Status    `json:"status"`
	Transport gwtypes.Transport `json:"transport"`
	Tools     int               `json:"tools"`
	Resources int               `json:"resources"`
	Prompts   int               `json:"prompts"`
}

type listServersOutput struct {
	Summary string              `json:"summary"`
	Servers []serverSummaryRow `json:"servers"`
}

func handleListServers(gw *Gateway) (*mcp.CallToolResult, listServersOutput, error) {
	statuses := gw.GetAllServerStatuses()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Config.Name < statuses[j].Config.Name })

	rows := make([]serverSummaryRow, 0, len(statuses))
	connected := 0
	for _, st := range statuses {
		if st.Status == gwtypes.StatusConnected {
			connected++
		}
		rows = append(rows, serverSummaryRow{
			Name:      st.Config.Name,
			Prefix:    st.Config.Prefix(),
			Status:    st.Status,
			Transport: st.Config.Transport,
			Tools:     len(st.Tools),
			Resources: len(st.Resources),
			Prompts:   len(st.Prompts),
		})
	}

	out := listServersOutput{
		Summary: fmt.Sprintf("%d of %d server(s) connected", connected, len(rows)),
		Servers: rows,
	}
	blob, err := json.Marshal(out.Servers)
	if err != nil {
		return nil, listServersOutput{}, err
	}
	text := out.Summary + "\n" + string(blob)
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, out, nil
}

type searchToolsInput struct {
	Query  string `json:"query" jsonschema:"whitespace-separated words that must all appear in the tool's name or description"`
	Server string `json:"server,omitempty" jsonschema:"restrict results to servers whose normalized prefix contains this substring"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 20"`
}

type toolSearchHit struct {
	ServerName   string `json:"serverName"`
	OriginalName string `json:"originalName"`
	PrefixedName string `json:"prefixedName"`
	Description  string `json:"description,omitempty"`
	InputSchema  any    `json:"inputSchema,omitempty"`
}

type searchToolsOutput struct {
	Results []toolSearchHit `json:"results"`
}

func handleSearchTools(gw *Gateway, input searchToolsInput) (*mcp.CallToolResult, searchToolsOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	words := strings.Fields(strings.ToLower(input.Query))
	serverFilter := strings.ToLower(input.Server)

	var hits []toolSearchHit
	for _, t := range gw.GetAllTools() {
		prefix := gwtypes.NormalizePrefix(t.ServerName)
		if serverFilter != "" && !strings.Contains(prefix, serverFilter) {
			continue
		}
		prefixedName := gwrouter.PrefixName(t.ServerName, t.Tool.Name)
		haystack := strings.ToLower(t.Tool.Name + " " + prefixedName + " " + t.Tool.Description)
		if !matchesAllWords(haystack, words) {
			continue
		}
		hits = append(hits, toolSearchHit{
			ServerName:   t.ServerName,
			OriginalName: t.Tool.Name,
			PrefixedName: prefixedName,
			Description:  t.Tool.Description,
			InputSchema:  t.Tool.InputSchema,
		})
		if len(hits) >= limit {
			break
		}
	}

	out := searchToolsOutput{Results: hits}
	blob, err := json.Marshal(out.Results)
	if err != nil {
		return nil, searchToolsOutput{}, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(blob)}}}, out, nil
}

func matchesAllWords(haystack string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(haystack, w) {
			return false
		}
	}
	return true
}

type getServerToolsInput struct {
	Server string `json:"server" jsonschema:"substring to match against each registered server's normalized prefix"`
}

type serverToolGroup struct {
	ServerName string          `json:"serverName"`
	Tools      []toolSearchHit `json:"tools"`
}

type getServerToolsOutput struct {
	Groups []serverToolGroup `json:"groups"`
}

func handleGetServerTools(gw *Gateway, input getServerToolsInput) (*mcp.CallToolResult, getServerToolsOutput, error) {
	filter := strings.ToLower(input.Server)
	byServer := make(map[string][]toolSearchHit)
	var order []string

	for _, t := range gw.GetAllTools() {
		prefix := gwtypes.NormalizePrefix(t.ServerName)
		if !strings.Contains(prefix, filter) {
			continue
		}
		if _, seen := byServer[t.ServerName]; !seen {
			order = append(order, t.ServerName)
		}
		byServer[t.ServerName] = append(byServer[t.ServerName], toolSearchHit{
			ServerName:   t.ServerName,
			OriginalName: t.Tool.Name,
			PrefixedName: gwrouter.PrefixName(t.ServerName, t.Tool.Name),
			Description:  t.Tool.Description,
			InputSchema:  t.Tool.InputSchema,
		})
	}

	groups := make([]serverToolGroup, 0, len(order))
	for _, name := range order {
		groups = append(groups, serverToolGroup{ServerName: name, Tools: byServer[name]})
	}

	out := getServerToolsOutput{Groups: groups}
	blob, err := json.Marshal(out.Groups)
	if err != nil {
		return nil, getServerToolsOutput{}, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(blob)}}}, out, nil
}
