package gwproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// progressSink is anything that can deliver a progress notification back to
// a downstream client — satisfied by *mcp.ServerSession.
type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressTracker keeps, per (server, progress token), the downstream
// session that issued a tool call. Nothing in this module reads the table
// on an upstream notifications/progress, so such notifications are not
// relayed downstream. Token coercion itself lives in gwtypes.ProgressToken, shared with any
// other consumer of _meta.progressToken; this type owns only the
// per-session registration table and its delayed-cleanup lifecycle.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	sink progressSink
	seq  uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &progressTracker{
		sessions:     make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track ensures params carries a progress token, registers sink to receive
// forwarded notifications under that token, and returns a cleanup func the
// caller must invoke once the call completes.
func (pt *progressTracker) track(serverID string, sink progressSink, carrier progressCarrier) func() {
	if carrier == nil || sink == nil {
		return func() {}
	}
	token, ok := pt.ensureToken(carrier)
	if !ok {
		return func() {}
	}
	return pt.register(serverID, token, sink)
}

// ensureToken returns the wire value of carrier's progress token,
// generating and installing one if it has none, and rewriting an existing
// token into gwtypes.ProgressToken's canonical wire form when it arrived in
// a shape that needed coercion (e.g. a JSON float).
func (pt *progressTracker) ensureToken(carrier progressCarrier) (any, bool) {
	existing := carrier.GetProgressToken()
	if existing != nil {
		normalized, ok := gwtypes.NormalizeProgressToken(existing)
		if !ok {
			pt.logger.Warn("progress token unsupported", "token", existing)
			return nil, false
		}
		wire := normalized.Wire()
		if wire != existing {
			ensureProgressMeta(carrier)
			carrier.SetProgressToken(wire)
		}
		return wire, true
	}
	ensureProgressMeta(carrier)
	token := fmt.Sprintf("gwproxy/%d", pt.counter.Add(1))
	carrier.SetProgressToken(token)
	return token, true
}

func (pt *progressTracker) register(serverID string, token any, sink progressSink) func() {
	normalized, ok := gwtypes.NormalizeProgressToken(token)
	if !ok {
		return func() {}
	}
	key := normalized.Key(serverID)
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.sessions[key] = progressRegistration{sink: sink, seq: seq}
	pt.mu.Unlock()
	return func() { pt.removeLater(key, sink, seq) }
}

func (pt *progressTracker) removeLater(key string, sink progressSink, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, sink, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() { pt.removeIfMatch(key, sink, seq) })
}

func (pt *progressTracker) removeIfMatch(key string, sink progressSink, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.sessions[key]; ok && current.seq == seq && current.sink == sink {
		delete(pt.sessions, key)
	}
	pt.mu.Unlock()
}

// lookup finds the sink registered for (serverID, token); only the tests
// call it.
func (pt *progressTracker) lookup(serverID string, token any) progressSink {
	normalized, ok := gwtypes.NormalizeProgressToken(token)
	if !ok {
		return nil
	}
	key := normalized.Key(serverID)
	pt.mu.RLock()
	sink := pt.sessions[key].sink
	pt.mu.RUnlock()
	return sink
}

func ensureProgressMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
