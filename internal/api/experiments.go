package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/experiment"
	"github.com/ashureev/shsh-coach/internal/identity"
	"github.com/ashureev/shsh-coach/internal/metrics"
)

// MaxResultsWindowDays bounds the results window accepted from clients.
const MaxResultsWindowDays = 90

// ExperimentCatalog lists experiment definitions.
type ExperimentCatalog interface {
	List() []domain.ExperimentDefinition
	Get(name string) (domain.ExperimentDefinition, bool)
}

// AssignmentService resolves and overrides variant assignments.
type AssignmentService interface {
	Assign(ctx context.Context, userID, experimentName string) domain.VariantAssignment
	ForceAssign(ctx context.Context, userID, experimentName, variantName string, ttl time.Duration) error
}

// ResultsService aggregates experiment metrics.
type ResultsService interface {
	GetResults(ctx context.Context, experimentName string, windowDays int) (metrics.ExperimentResults, error)
}

// ExperimentHandler handles experiment endpoints.
type ExperimentHandler struct {
	catalog  ExperimentCatalog
	assigner AssignmentService
	results  ResultsService
}

// NewExperimentHandler creates an experiment handler.
func NewExperimentHandler(catalog ExperimentCatalog, assigner AssignmentService, results ResultsService) *ExperimentHandler {
	return &ExperimentHandler{catalog: catalog, assigner: assigner, results: results}
}

// RegisterRoutes registers the experiment routes open to learners.
func (h *ExperimentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/experiments", h.List)
	r.Get("/api/experiments/{name}/results", h.Results)
	r.Get("/api/experiments/{name}/assignment", h.Assignment)
}

// RegisterAdminRoutes registers routes that change other users' state.
// Mount them behind middleware.AdminToken.
func (h *ExperimentHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/api/experiments/{name}/assignments", h.ForceAssignment)
}

// List returns every experiment definition.
func (h *ExperimentHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"experiments": h.catalog.List(),
	})
}

// Results returns aggregated results for the ?days window (default 7).
func (h *ExperimentHandler) Results(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	days := metrics.DefaultWindowDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxResultsWindowDays {
			Error(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(MaxResultsWindowDays))
			return
		}
		days = n
	}

	res, err := h.results.GetResults(r.Context(), name, days)
	if err != nil {
		if errors.Is(err, experiment.ErrUnknownExperiment) {
			Error(w, http.StatusNotFound, "experiment not found")
			return
		}
		slog.Error("Failed to compute experiment results", "experiment", name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to compute results")
		return
	}
	JSON(w, http.StatusOK, res)
}

// assignmentResponse is a variant assignment plus the derived coaching settings.
type assignmentResponse struct {
	domain.VariantAssignment
	CoachingEnabled bool   `json:"coaching_enabled"`
	HintLevel       string `json:"hint_level"`
}

// Assignment returns the calling user's variant.
func (h *ExperimentHandler) Assignment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, ok := h.catalog.Get(name); !ok {
		Error(w, http.StatusNotFound, "experiment not found")
		return
	}

	a := h.assigner.Assign(r.Context(), userID, name)
	JSON(w, http.StatusOK, assignmentResponse{
		VariantAssignment: a,
		CoachingEnabled:   a.CoachingEnabled(),
		HintLevel:         a.HintLevel(),
	})
}

// ForceAssignmentRequest overrides a user's variant. An empty UserID targets
// the caller. TTLSeconds <= 0 uses the configured force TTL.
type ForceAssignmentRequest struct {
	UserID     string `json:"user_id"`
	Variant    string `json:"variant"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ForceAssignment pins a user to a variant.
func (h *ExperimentHandler) ForceAssignment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ForceAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}
	if req.UserID == "" || req.Variant == "" {
		Error(w, http.StatusBadRequest, "user_id and variant are required")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.assigner.ForceAssign(r.Context(), req.UserID, name, req.Variant, ttl); err != nil {
		switch {
		case errors.Is(err, experiment.ErrUnknownExperiment):
			Error(w, http.StatusNotFound, "experiment not found")
		case errors.Is(err, experiment.ErrUnknownVariant):
			Error(w, http.StatusBadRequest, "unknown variant")
		default:
			slog.Error("Failed to force assignment", "experiment", name, "user_id", req.UserID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to store assignment")
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"experiment": name,
		"user_id":    req.UserID,
		"variant":    req.Variant,
		"forced":     true,
	})
}
