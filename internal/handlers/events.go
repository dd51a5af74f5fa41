package handlers

import (
	"fmt"
	"net/http"
	"time"

	"assistant-push-go/internal/logger"
)

const keepAliveInterval = 25 * time.Second

// EventsHandler streams the caller's broadcast reports as Server-Sent Events.
func (h *Handler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Reports == nil {
		http.Error(w, "Event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	pubsub := h.Reports.Subscribe(r.Context(), userID)
	defer pubsub.Close()

	// wait for the subscription to be confirmed so no report is missed
	if _, err := pubsub.Receive(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	ch := pubsub.Channel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	h.Logger.Debug("report stream opened", logger.UserID(userID))

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: report\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			h.Logger.Debug("report stream closed", logger.UserID(userID))
			return
		}
	}
}
