package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-coach/internal/coaching"
)

// DefaultSystemMessageType is used when a broadcast omits its type.
const DefaultSystemMessageType = "info"

// SessionService exposes live coaching session state.
type SessionService interface {
	SessionStats(sessionID string) (coaching.SessionStats, error)
	AllSessionStats() coaching.Stats
	Broadcast(message, messageType string) int
}

// SessionHandler handles session statistics and broadcast endpoints.
type SessionHandler struct {
	sessions SessionService
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers session statistics routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/stats", h.AllStats)
		r.Get("/{id}/stats", h.Stats)
	})
}

// RegisterAdminRoutes registers the broadcast route. Mount it behind
// middleware.AdminToken.
func (h *SessionHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/api/system-message", h.SystemMessage)
}

// AllStats returns aggregate statistics over every live session.
func (h *SessionHandler) AllStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sessions.AllSessionStats())
}

// Stats returns statistics for one live session.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.SessionStats(chi.URLParam(r, "id"))
	if errors.Is(err, coaching.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	JSON(w, http.StatusOK, st)
}

// SystemMessageRequest is a broadcast to every live session.
type SystemMessageRequest struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// SystemMessage broadcasts a message to every live session.
func (h *SessionHandler) SystemMessage(w http.ResponseWriter, r *http.Request) {
	var req SystemMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Type == "" {
		req.Type = DefaultSystemMessageType
	}

	delivered := h.sessions.Broadcast(req.Message, req.Type)
	JSON(w, http.StatusOK, map[string]interface{}{
		"delivered": delivered,
	})
}
