package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderq/internal/cache"
)

var subscribeCategories = map[string]bool{
	cache.CategoryTaskStatus:       true,
	cache.CategoryWorkflowRunning:  true,
	cache.CategoryWorkflowActivity: true,
	cache.CategoryUserHistory:      true,
	cache.CategoryUserNotification: true,
	cache.CategoryClientStatus:     true,
}

// registerSubscribe mounts the SSE endpoint on the raw router. It bypasses the
// OpenAPI layer because the response is a stream, not a JSON document.
func registerSubscribe(router chi.Router, basePath string, store cache.Store) {
	router.Get(basePath+"/subscribe", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFromContext(r.Context()); !ok {
			writeAuthError(w, "authentication required")
			return
		}
		category := r.URL.Query().Get("category")
		id := r.URL.Query().Get("id")
		if !subscribeCategories[category] {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
				"code":    "bad_request",
				"message": fmt.Sprintf("unknown category %q", category),
			}})
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Buffered so a slow client dropping mid-write never blocks the
		// signal dispatcher.
		events := make(chan sseEvent, 16)
		var cancel func()
		if id != "" {
			cancel = store.On(category, id, func(data []byte) {
				select {
				case events <- sseEvent{ID: id, Data: data}:
				default:
				}
			})
			// Replay the current value so subscribers start from known state.
			var current json.RawMessage
			if err := store.Get(r.Context(), category, id, &current); err == nil {
				writeSSE(w, flusher, sseEvent{ID: id, Data: current})
			} else if !errors.Is(err, cache.ErrCacheMiss) {
				// Backend trouble; the live stream may still work.
				writeSSE(w, flusher, sseEvent{ID: id, Event: "error", Data: []byte(`"cache unavailable"`)})
			}
		} else {
			cancel = store.OnCategory(category, func(eventID string, data []byte) {
				select {
				case events <- sseEvent{ID: eventID, Data: data}:
				default:
				}
			})
		}
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				writeSSE(w, flusher, ev)
			}
		}
	})
}

type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	if ev.Event != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Event)
	}
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	flusher.Flush()
}
