package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultHealthCheckTimeout bounds the dependency checks behind /health.
const DefaultHealthCheckTimeout = 5 * time.Second

// Pinger verifies a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports live coaching sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// HealthHandler handles health check and metrics endpoints.
type HealthHandler struct {
	db       Pinger
	sessions SessionCounter
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. sessions and gatherer may be nil.
func NewHealthHandler(db Pinger, sessions SessionCounter, gatherer prometheus.Gatherer, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}
	return &HealthHandler{db: db, sessions: sessions, gatherer: gatherer, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.sessions != nil {
		status["active_sessions"] = h.sessions.ActiveSessions()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check and Prometheus routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}
