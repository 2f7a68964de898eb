// Package gwcore implements the Gateway registry (spec component C5): the
// table of UpstreamSessions, per-id mutation serialization, aggregated
// queries, and routed request dispatch. It is adapted from the teacher's
// mcpmgr.Manager — the states map, the per-server RWMutex-guarded registry,
// and ListTools/ExecuteTool/ReadResource/GetPrompt delegation are direct
// descendants of that file — narrowed to hold gwupstream.Session values
// instead of owning the transport plumbing itself, since that half of the
// teacher's Manager now lives in gwupstream.
package gwcore
