package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

var errEventsUnsupported = errors.New("streaming not supported by this connection")

// handleEvents streams every EventBus publication to the client as
// server-sent events, one JSON-encoded gwtypes.Event per message, until the
// request context is canceled.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errEventsUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan gwtypes.Event, 32)
	sub := a.bus.Subscribe(func(ev gwtypes.Event) {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop rather than block the publisher.
		}
	})
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
