package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ashureev/shsh-coach/internal/cache"
	"github.com/ashureev/shsh-coach/internal/domain"
)

// Default cache lifetimes.
const (
	DefaultAssignmentTTL = 24 * time.Hour
	DefaultForceTTL      = time.Hour
)

// AssignerConfig configures an Assigner.
type AssignerConfig struct {
	TTL      time.Duration
	ForceTTL time.Duration
}

// Assigner maps users to experiment variants deterministically and caches
// the result.
type Assigner struct {
	registry *Registry
	rt       *readThrough
	ttl      time.Duration
	forceTTL time.Duration
	logger   *slog.Logger
}

// NewAssigner creates an assigner over registry backed by c.
func NewAssigner(registry *Registry, c cache.Cache, cfg AssignerConfig, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAssignmentTTL
	}
	if cfg.ForceTTL <= 0 {
		cfg.ForceTTL = DefaultForceTTL
	}
	return &Assigner{
		registry: registry,
		rt:       &readThrough{cache: c},
		ttl:      cfg.TTL,
		forceTTL: cfg.ForceTTL,
		logger:   logger,
	}
}

// CacheKey returns the cache key for a user's assignment.
func CacheKey(experimentName, userID string) string {
	return "assignment:" + experimentName + ":" + userID
}

// Assign returns the user's variant. Unknown or inactive experiments yield
// the default variant without caching. It never fails: cache errors fall
// back to the default variant.
func (a *Assigner) Assign(ctx context.Context, userID, experimentName string) domain.VariantAssignment {
	def, ok := a.registry.Get(experimentName)
	if !ok {
		a.logger.Debug("assignment for unknown experiment", "experiment", experimentName, "user_id", userID)
		return defaultAssignment(experimentName, def)
	}
	if !def.Active {
		return defaultAssignment(experimentName, def)
	}

	key := CacheKey(experimentName, userID)
	assignment, writeErr, err := a.rt.getOrCompute(ctx, key, a.ttl, func() domain.VariantAssignment {
		v := SelectVariant(def, Bucket(userID, experimentName))
		return domain.VariantAssignment{
			VariantName:    v.Name,
			ExperimentName: experimentName,
			Config:         v.Config,
		}
	})
	if err != nil {
		a.logger.Warn("assignment cache unavailable, serving default variant",
			"experiment", experimentName, "user_id", userID, "error", err)
		return defaultAssignment(experimentName, def)
	}
	if writeErr != nil {
		a.logger.Warn("failed to cache assignment",
			"experiment", experimentName, "user_id", userID, "error", writeErr)
	}
	return assignment
}

// ForceAssign overrides the user's variant for ttl. A non-positive ttl uses
// the configured force TTL.
func (a *Assigner) ForceAssign(ctx context.Context, userID, experimentName, variantName string, ttl time.Duration) error {
	def, ok := a.registry.Get(experimentName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExperiment, experimentName)
	}
	v, ok := def.Variant(variantName)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownVariant, variantName, experimentName)
	}
	if ttl <= 0 {
		ttl = a.forceTTL
	}
	forced := domain.VariantAssignment{
		VariantName:    v.Name,
		ExperimentName: experimentName,
		Config:         v.Config,
		Forced:         true,
	}
	if err := a.rt.set(ctx, CacheKey(experimentName, userID), forced, ttl); err != nil {
		return fmt.Errorf("store forced assignment: %w", err)
	}
	a.logger.Info("forced assignment",
		"experiment", experimentName, "user_id", userID, "variant", variantName, "ttl", ttl)
	return nil
}

// GetAssignment returns the cached assignment without computing one.
func (a *Assigner) GetAssignment(ctx context.Context, userID, experimentName string) (domain.VariantAssignment, bool) {
	assignment, found, err := a.rt.get(ctx, CacheKey(experimentName, userID))
	if err != nil {
		a.logger.Warn("assignment cache read failed",
			"experiment", experimentName, "user_id", userID, "error", err)
		return domain.VariantAssignment{}, false
	}
	return assignment, found
}

// Bucket hashes "{userID}:{experimentName}" to a stable value in [0,1).
func Bucket(userID, experimentName string) float64 {
	h := xxhash.Sum64String(userID + ":" + experimentName)
	return float64(h>>11) / (1 << 53)
}

// SelectVariant walks the variants accumulating normalized weights and
// returns the first whose cumulative share exceeds value. Rounding that
// leaves the walk without a pick selects the last variant.
func SelectVariant(def domain.ExperimentDefinition, value float64) domain.ExperimentVariant {
	total := def.TotalWeight()
	if len(def.Variants) == 0 || total <= 0 || math.IsNaN(total) {
		return def.Default()
	}
	var cumulative float64
	for _, v := range def.Variants {
		cumulative += v.Weight / total
		if value < cumulative {
			return v
		}
	}
	return def.Variants[len(def.Variants)-1]
}

func defaultAssignment(experimentName string, def domain.ExperimentDefinition) domain.VariantAssignment {
	v := def.Default()
	return domain.VariantAssignment{
		VariantName:    v.Name,
		ExperimentName: experimentName,
		Config:         v.Config,
	}
}
