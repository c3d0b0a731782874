// Package server exposes the REST API and the websocket listener
// endpoint. It is a thin relay: the listener-facing contract is the
// generation event protocol itself, and all rendering happens on the
// consumer side.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/outpost-run/outpost/pkg/controller"
	"github.com/outpost-run/outpost/pkg/store"
)

// Server serves the HTTP API.
type Server struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	controller    *controller.Controller
	srv           *http.Server
}

// New creates a Server.
func New(conversations store.ConversationStore, messages store.MessageStore, ctrl *controller.Controller) *Server {
	return &Server{
		conversations: conversations,
		messages:      messages,
		controller:    ctrl,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	slog.Info("Starting server", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/conversations/{id}/boundary", s.handleSessionBoundary)

	// Generations
	mux.HandleFunc("POST /api/conversations/{id}/generations", s.handleStartGeneration)
	mux.HandleFunc("POST /api/generations/{id}/cancel", s.handleCancelGeneration)

	// WebSocket event stream
	mux.HandleFunc("/api/generations/{id}/events", s.handleEventsWebSocket)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
