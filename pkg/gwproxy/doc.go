// Package gwproxy implements ProxyMcpServer (spec component C7): the
// Streamable-HTTP-facing MCP server every downstream client connects to. It
// is adapted from the teacher's mcp-gateway package — the per-server
// featureIndex diffing (Add/RemoveTools driving the SDK's own
// listChanged notifications), the session-binding context helper, and the
// progress-forwarding tracker are direct descendants of that package — but
// generalized from one shared mcp.Server to one fresh mcp.Server per
// downstream session (spec.md §4.7), each carrying its own feature-index
// snapshot synced off the shared gwcore.Gateway registry.
package gwproxy
