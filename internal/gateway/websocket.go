// Package gateway exposes coaching sessions over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/coaching"
	"github.com/ashureev/shsh-coach/internal/identity"
)

// Inbound message types.
const (
	MsgTyping               = "typing"
	MsgMessageSent          = "message_sent"
	MsgHintInteraction      = "hint_interaction"
	MsgRequestScenarioHints = "request_scenario_hints"
	MsgPing                 = "ping"
)

// Outbound types produced by the gateway itself.
const (
	MsgPong  = "pong"
	MsgError = "error"
)

const lastSeenTimeout = 5 * time.Second

// Coach is the slice of the orchestrator the gateway drives.
type Coach interface {
	Connect(ctx context.Context, userID string, sink coaching.Sink) (string, error)
	Typing(sessionID, partial string, actx analysis.Context) error
	MessageSent(sessionID, message string, actx analysis.Context) error
	HintInteraction(sessionID, hintID, action string) error
	RequestScenarioHints(sessionID, scenarioID string, actx analysis.Context) error
	Disconnect(sessionID string) error
}

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Handler upgrades requests to WebSocket and binds each connection to one
// coaching session.
type Handler struct {
	coach         Coach
	users         LastSeenUpdater
	limiter       *RateLimiter
	conns         *connRegistry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a gateway handler. limiter and users may be nil.
func NewHandler(coach Coach, users LastSeenUpdater, limiter *RateLimiter, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coach:         coach,
		users:         users,
		limiter:       limiter,
		conns:         newConnRegistry(),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ActiveConnections returns the number of open sockets.
func (h *Handler) ActiveConnections() int {
	return h.conns.count()
}

// inbound is the client-to-server message envelope.
type inbound struct {
	Type       string           `json:"type"`
	Message    string           `json:"message,omitempty"`
	Context    analysis.Context `json:"context"`
	HintID     string           `json:"hint_id,omitempty"`
	Action     string           `json:"action,omitempty"`
	ScenarioID string           `json:"scenario_id,omitempty"`
}

// wsSink writes orchestrator events as JSON text frames.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, ev coaching.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	h.logger.Info("Coaching connection request", "user_id", userID, "tab_id", tabID, "remote_addr", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.register(userID, tabID, ws)
	defer h.conns.unregister(userID, tabID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID, err := h.coach.Connect(ctx, userID, &wsSink{conn: ws})
	if err != nil {
		h.logger.Warn("Coaching session refused", "user_id", userID, "error", err)
		reason := "connect_failed"
		if errors.Is(err, coaching.ErrUnauthorized) {
			reason = "unauthorized"
		}
		_ = h.writeJSON(ctx, ws, MsgError, map[string]string{"error": reason})
		_ = ws.Close(websocket.StatusPolicyViolation, reason)
		return
	}
	defer func() {
		if err := h.coach.Disconnect(sessionID); err != nil && !errors.Is(err, coaching.ErrSessionNotFound) {
			h.logger.Warn("Coaching disconnect failed", "session_id", sessionID, "error", err)
		}
	}()

	h.readLoop(ctx, ws, userID, sessionID)
	h.logger.Info("Coaching connection ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", userID, "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("Ignoring malformed message", "session_id", sessionID, "error", err)
			continue
		}

		h.dispatch(ctx, ws, userID, sessionID, msg)
		h.touch(userID)
	}
}

func (h *Handler) dispatch(ctx context.Context, ws *websocket.Conn, userID, sessionID string, msg inbound) {
	var err error
	switch msg.Type {
	case MsgTyping:
		if h.allow(ctx, ws, userID) {
			err = h.coach.Typing(sessionID, msg.Message, msg.Context)
		}
	case MsgMessageSent:
		if h.allow(ctx, ws, userID) {
			err = h.coach.MessageSent(sessionID, msg.Message, msg.Context)
		}
	case MsgRequestScenarioHints:
		if h.allow(ctx, ws, userID) {
			err = h.coach.RequestScenarioHints(sessionID, msg.ScenarioID, msg.Context)
		}
	case MsgHintInteraction:
		err = h.coach.HintInteraction(sessionID, msg.HintID, msg.Action)
	case MsgPing:
		err = h.writeJSON(ctx, ws, MsgPong, nil)
	default:
		h.logger.Debug("Ignoring unknown message type", "type", msg.Type, "session_id", sessionID)
	}
	if err != nil {
		h.logger.Debug("Coaching event not processed", "type", msg.Type, "session_id", sessionID, "error", err)
	}
}

// allow applies the per-user limit to analysis-triggering events.
func (h *Handler) allow(ctx context.Context, ws *websocket.Conn, userID string) bool {
	if h.limiter == nil || h.limiter.Allow(userID) {
		return true
	}
	if err := h.writeJSON(ctx, ws, MsgError, map[string]string{"error": "rate limit exceeded"}); err != nil {
		h.logger.Debug("Failed to send rate limit notice", "error", err)
	}
	return false
}

// touch updates last seen asynchronously with a timeout.
func (h *Handler) touch(userID string) {
	if h.users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := h.users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			h.logger.Warn("Failed to update last seen", "error", err)
		}
	}()
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, typ string, payload any) error {
	data, err := json.Marshal(coaching.Event{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
