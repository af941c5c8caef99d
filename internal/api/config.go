package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-coach/internal/identity"
	"github.com/ashureev/shsh-coach/internal/store"
)

// ClientConfig is served to the frontend.
type ClientConfig struct {
	Experiment    string `json:"experiment"`
	WebSocketPath string `json:"websocket_path"`
	SessionHeader string `json:"session_header"`
}

// ConfigHandler serves frontend configuration and the caller's identity.
type ConfigHandler struct {
	repo   store.Repository
	client ClientConfig
}

// NewConfigHandler creates a config handler.
func NewConfigHandler(repo store.Repository, client ClientConfig) *ConfigHandler {
	if client.SessionHeader == "" {
		client.SessionHeader = identity.TabHeaderName
	}
	return &ConfigHandler{repo: repo, client: client}
}

// RegisterRoutes registers config routes.
func (h *ConfigHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/me", h.GetMe)
}

// GetConfig returns the server configuration for the frontend.
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

// GetMe returns the current user's information.
func (h *ConfigHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"last_seen_at": user.LastSeenAt,
	})
}
