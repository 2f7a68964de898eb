// Package gwevents implements the gateway's in-process publish-subscribe
// channel (spec component C9). It is modeled on the notification-dispatch
// registry in the teacher's mcpmgr.Manager (subscribers keyed by an opaque
// id under a mutex, dispatch never blocks the publisher) but generalized
// from per-server MCP notifications to the gateway's own tagged-union event
// topics.
package gwevents

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// Handler receives events published to topics it subscribed to. Handlers
// must not block; if they need slow work they must own their own queue
// (spec §4.9).
type Handler func(gwtypes.Event)

// Bus is the EventBus. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	logger *slog.Logger
}

type subscription struct {
	topics map[gwtypes.EventTopic]struct{} // nil means "all topics"
	fn     Handler
}

// New constructs an empty Bus. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]subscription), logger: logger}
}

// Subscription is an opaque handle returned by Subscribe, used to Unsubscribe.
type Subscription int

// Subscribe registers fn for the given topics. Passing no topics subscribes
// to every topic.
func (b *Bus) Subscribe(fn Handler, topics ...gwtypes.EventTopic) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	var set map[gwtypes.EventTopic]struct{}
	if len(topics) > 0 {
		set = make(map[gwtypes.EventTopic]struct{}, len(topics))
		for _, t := range topics {
			set[t] = struct{}{}
		}
	}
	b.subs[id] = subscription{topics: set, fn: fn}
	return Subscription(id)
}

// Unsubscribe removes a previously-registered subscription. Idempotent.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	delete(b.subs, int(sub))
	b.mu.Unlock()
}

// Publish delivers ev to every matching subscriber, in subscription order,
// best-effort: a panicking handler is recovered and logged rather than
// taking down the publisher or other subscribers.
func (b *Bus) Publish(ev gwtypes.Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, s := range b.subs {
		if s.topics != nil {
			if _, ok := s.topics[ev.Topic]; !ok {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id].fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Handler, ev gwtypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", ev.Topic, "recovered", r)
		}
	}()
	fn(ev)
}
