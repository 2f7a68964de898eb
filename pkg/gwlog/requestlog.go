// Package gwlog implements the gateway's bounded request log (spec
// component C10): a ring buffer of in-flight and completed proxy calls with
// start/complete/fail semantics and filterable snapshots. It is constructed
// once by the composition root and injected into whatever needs to write to
// it, per the design note against a global-ish singleton.
package gwlog

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

const defaultCapacity = 500

// Log is the bounded, newest-first request log.
type Log struct {
	mu       sync.RWMutex
	capacity int
	entries  []gwtypes.RequestLogEntry // newest-first
	index    map[string]int            // id -> position in entries
}

// New constructs a Log with the given capacity; capacity <= 0 uses the
// spec's default of 500.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{capacity: capacity, index: make(map[string]int)}
}

// StartParams describes a newly-issued proxy call.
type StartParams struct {
	Type              gwtypes.LogEntryType
	Method            string
	OriginalMethod    string
	Upstream          gwtypes.UpstreamRef
	Arguments         any
	DownstreamSession string
}

// Start records a pending entry newest-first and returns its id.
func (l *Log) Start(p StartParams) string {
	id := newID()
	entry := gwtypes.RequestLogEntry{
		ID:                id,
		Timestamp:         time.Now(),
		Type:              p.Type,
		Method:            p.Method,
		OriginalMethod:    p.OriginalMethod,
		Upstream:          p.Upstream,
		Arguments:         p.Arguments,
		DownstreamSession: p.DownstreamSession,
		Status:            gwtypes.LogStatusPending,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]gwtypes.RequestLogEntry{entry}, l.entries...)
	l.reindexLocked()
	l.evictLocked()
	return id
}

// Complete marks a pending entry successful and computes its duration.
func (l *Log) Complete(id string, content any, isError bool) {
	l.finish(id, func(e *gwtypes.RequestLogEntry) {
		e.Status = gwtypes.LogStatusSuccess
		e.ResponseContent = content
		e.ResponseIsError = isError
	})
}

// Fail marks a pending entry failed with an error message.
func (l *Log) Fail(id string, errMsg string) {
	l.finish(id, func(e *gwtypes.RequestLogEntry) {
		e.Status = gwtypes.LogStatusError
		e.ErrorMessage = errMsg
	})
}

func (l *Log) finish(id string, mutate func(*gwtypes.RequestLogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[id]
	if !ok {
		return
	}
	e := &l.entries[pos]
	mutate(e)
	d := time.Since(e.Timestamp).Milliseconds()
	e.DurationMs = &d
}

// Filter selects a subset of entries; zero values mean "no constraint".
type Filter struct {
	Type     gwtypes.LogEntryType
	ServerID string
	Status   gwtypes.LogEntryStatus
	Query    string
	Since    time.Time
	Until    time.Time
	Offset   int
	Limit    int
}

// List returns a filtered, paged snapshot in newest-first order.
func (l *Log) List(f Filter) []gwtypes.RequestLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []gwtypes.RequestLogEntry
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Get returns a single entry by id.
func (l *Log) Get(id string) (gwtypes.RequestLogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.index[id]
	if !ok {
		return gwtypes.RequestLogEntry{}, false
	}
	return l.entries[pos], true
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.index = make(map[string]int)
	l.mu.Unlock()
}

// Stats summarizes the current buffer contents.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Success int `json:"success"`
	Error   int `json:"error"`
}

func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var s Stats
	s.Total = len(l.entries)
	for _, e := range l.entries {
		switch e.Status {
		case gwtypes.LogStatusPending:
			s.Pending++
		case gwtypes.LogStatusSuccess:
			s.Success++
		case gwtypes.LogStatusError:
			s.Error++
		}
	}
	return s
}

func matches(e gwtypes.RequestLogEntry, f Filter) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.ServerID != "" && e.Upstream.ID != f.ServerID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		haystack := strings.ToLower(e.Method + " " + e.Upstream.Name + " " + e.ErrorMessage)
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}

func (l *Log) reindexLocked() {
	for id := range l.index {
		delete(l.index, id)
	}
	for i, e := range l.entries {
		l.index[e.ID] = i
	}
}

func (l *Log) evictLocked() {
	if len(l.entries) <= l.capacity {
		return
	}
	dropped := l.entries[l.capacity:]
	l.entries = l.entries[:l.capacity]
	for _, e := range dropped {
		delete(l.index, e.ID)
	}
}

func newID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
