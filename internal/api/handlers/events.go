// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/autobrr/progate/internal/notify"
)

const sseKeepaliveInterval = 30 * time.Second

// EventsHandler streams license notifications via SSE.
type EventsHandler struct {
	hub *notify.Hub
}

func NewEventsHandler(hub *notify.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

var errStreamingNotSupported = errors.New("streaming not supported")

// Stream replays recent messages and then follows the hub until the client
// disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("history"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			limit = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, errStreamingNotSupported.Error(), http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe(r.Context())
	defer h.hub.Unsubscribe(sub)

	for _, msg := range h.hub.History(limit) {
		if err := writeSSEMessage(w, msg); err != nil {
			return
		}
	}
	flusher.Flush()

	h.streamLoop(r.Context(), w, flusher, sub)
}

func (h *EventsHandler) streamLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *notify.Subscriber) {
	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := writeSSEMessage(w, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEMessage(w http.ResponseWriter, msg notify.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data)
	return err
}
