package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/outpost-run/outpost/pkg/controller"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventsWebSocket relays one generation's event stream to a
// listener. Each connection gets its own ordered replay plus live feed;
// the connection closes after the terminal event. Rendering (and the
// reducer fold) belongs to the listener.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	generationID := r.PathValue("id")
	if generationID == "" {
		http.Error(w, "Missing generation ID", http.StatusBadRequest)
		return
	}

	events, err := s.controller.Subscribe(r.Context(), generationID)
	if err != nil {
		if errors.Is(err, controller.ErrGenerationNotFound) {
			http.Error(w, "Generation not found", http.StatusNotFound)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	for ev := range events {
		if err := ws.WriteJSON(ev); err != nil {
			slog.Info("Listener disconnected", "generationID", generationID, "error", err)
			return
		}
	}
}
