// Package gwupstream implements one connection to one upstream MCP server
// (spec component C4): transport binding, handshake, capability discovery,
// request forwarding, and reconnection with backoff. It is adapted from the
// teacher's mcpmgr.Manager — the connect-dedup channel, the
// establishSession/monitorSession split, and the header-decorating
// RoundTripper are all direct descendants of that file — but narrowed from
// "manager of N sessions" to "one session," because spec.md splits that
// responsibility from the registry (gwcore.Gateway) the teacher's Manager
// used to own both halves of.
package gwupstream
