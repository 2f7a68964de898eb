package gwlog

import (
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func TestStartCompleteLifecycle(t *testing.T) {
	l := New(0)
	id := l.Start(StartParams{
		Type:     gwtypes.LogTypeTool,
		Method:   "acme__ping",
		Upstream: gwtypes.UpstreamRef{ID: "s1", Name: "acme"},
	})

	entry, ok := l.Get(id)
	if !ok || entry.Status != gwtypes.LogStatusPending {
		t.Fatalf("expected pending entry, got %+v ok=%v", entry, ok)
	}

	l.Complete(id, "pong", false)
	entry, ok = l.Get(id)
	if !ok {
		t.Fatalf("entry disappeared")
	}
	if entry.Status != gwtypes.LogStatusSuccess {
		t.Fatalf("status = %q, want success", entry.Status)
	}
	if entry.DurationMs == nil {
		t.Fatalf("durationMs not set")
	}
}

func TestFailSetsErrorMessage(t *testing.T) {
	l := New(0)
	id := l.Start(StartParams{Type: gwtypes.LogTypeTool, Method: "x"})
	l.Fail(id, "boom")
	entry, _ := l.Get(id)
	if entry.Status != gwtypes.LogStatusError || entry.ErrorMessage != "boom" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	l := New(2)
	first := l.Start(StartParams{Method: "a"})
	l.Start(StartParams{Method: "b"})
	l.Start(StartParams{Method: "c"})

	if _, ok := l.Get(first); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	all := l.List(Filter{})
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].Method != "c" {
		t.Fatalf("newest-first ordering violated: %+v", all)
	}
}

func TestFilterByServerAndQuery(t *testing.T) {
	l := New(0)
	l.Start(StartParams{Method: "acme__ping", Upstream: gwtypes.UpstreamRef{ID: "s1", Name: "acme"}})
	l.Start(StartParams{Method: "widget__list", Upstream: gwtypes.UpstreamRef{ID: "s2", Name: "widget"}})

	got := l.List(Filter{ServerID: "s1"})
	if len(got) != 1 || got[0].Upstream.ID != "s1" {
		t.Fatalf("unexpected filter result: %+v", got)
	}

	got = l.List(Filter{Query: "widget"})
	if len(got) != 1 || got[0].Method != "widget__list" {
		t.Fatalf("unexpected query filter result: %+v", got)
	}
}

func TestClear(t *testing.T) {
	l := New(0)
	l.Start(StartParams{Method: "a"})
	l.Clear()
	if stats := l.Stats(); stats.Total != 0 {
		t.Fatalf("expected empty log after Clear, got %+v", stats)
	}
}
