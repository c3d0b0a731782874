package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/outpost-run/outpost/pkg/controller"
	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/store"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		DeviceID string `json:"device_id"`
		UserID   string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	conv := &domain.Conversation{
		ID:       uuid.New().String(),
		Title:    req.Title,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
	}
	if err := s.conversations.CreateConversation(r.Context(), conv); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.ListConversations(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.errorResponse(w, status, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, conv)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messages.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

// handleSessionBoundary records an explicit reset point: replay never
// carries content from before it forward.
func (s *Server) handleSessionBoundary(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, err := s.conversations.GetConversation(r.Context(), conversationID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.errorResponse(w, status, err)
		return
	}

	err := s.messages.AppendMessage(r.Context(), &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           domain.RoleSessionBoundary,
		ContentType:    domain.ContentTypeText,
	})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	genID, err := s.controller.Generate(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.errorResponse(w, status, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"generation_id": genID})
}

func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	if !s.controller.Cancel(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, controller.ErrGenerationNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
