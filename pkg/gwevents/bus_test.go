package gwevents

import (
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func TestPublishDeliversToMatchingTopic(t *testing.T) {
	bus := New(nil)
	var got []gwtypes.Event
	bus.Subscribe(func(ev gwtypes.Event) {
		got = append(got, ev)
	}, gwtypes.EventServerConnected)

	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerAdded})
	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerConnected})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Topic != gwtypes.EventServerConnected {
		t.Fatalf("got topic %q, want %q", got[0].Topic, gwtypes.EventServerConnected)
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	bus := New(nil)
	count := 0
	bus.Subscribe(func(gwtypes.Event) { count++ })

	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerAdded})
	bus.Publish(gwtypes.Event{Topic: gwtypes.EventOAuthRequired})

	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	count := 0
	sub := bus.Subscribe(func(gwtypes.Event) { count++ })
	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerAdded})
	bus.Unsubscribe(sub)
	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerAdded})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := New(nil)
	bus.Subscribe(func(gwtypes.Event) { panic("boom") })
	called := false
	bus.Subscribe(func(gwtypes.Event) { called = true })

	bus.Publish(gwtypes.Event{Topic: gwtypes.EventServerAdded})

	if !called {
		t.Fatalf("second handler was not called after first panicked")
	}
}
