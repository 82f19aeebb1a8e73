package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"rcvehicle/internal/telemetry"
)

// streamHandler pushes one server-sent event per loop snapshot. Slow
// clients miss snapshots rather than slowing the loop.
func streamHandler(hub *telemetry.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
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
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := hub.Subscribe(4)
		defer hub.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case snap, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(telemetry.NewMessage(snap))
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
