package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/models"

	"github.com/go-chi/chi/v5"
)

// StreamDealRoomEvents replays the room's history after Last-Event-ID and
// then streams live events. Live events arrive through the relay, so an
// event may show up in both; ids already sent are skipped.
func (h *Handler) StreamDealRoomEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "id")
	userID := auth.UserID(ctx)

	ok, err := h.Deals.IsParticipant(ctx, roomID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, notParticipant())
		return
	}

	// Subscribe before reading history so nothing committed in between is lost.
	live := h.Broker.Subscribe(ctx, roomID)
	history, err := h.Deals.Events(ctx, roomID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{"status": "connected", "deal_room_id": roomID})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)

	lastSent, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	for _, evt := range history {
		if evt.ID > lastSent {
			h.writeEvent(w, evt)
			lastSent = evt.ID
		}
	}
	_ = rc.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client %s connected to deal room %s", userID, roomID))

	interval := h.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case evt, ok := <-live:
			if !ok {
				return
			}
			if evt.ID <= lastSent {
				continue
			}
			h.writeEvent(w, evt)
			lastSent = evt.ID
			if err := rc.Flush(); err != nil {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client %s disconnected from deal room %s", userID, roomID))
			return
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, evt models.DealEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize deal event %d: %v", evt.ID, err))
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.EventType, data)
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
