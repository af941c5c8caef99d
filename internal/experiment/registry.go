// Package experiment holds the experiment registry and the deterministic
// variant assignment service.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/shsh-coach/internal/domain"
)

var (
	// ErrInvalidDefinition is returned when an experiment definition fails validation.
	ErrInvalidDefinition = errors.New("invalid experiment definition")
	// ErrUnknownExperiment is returned for experiments that are not registered.
	ErrUnknownExperiment = errors.New("unknown experiment")
	// ErrUnknownVariant is returned when a variant name is not part of an experiment.
	ErrUnknownVariant = errors.New("unknown variant")
)

// RealtimeCoaching is the experiment measuring live coaching.
const RealtimeCoaching = "realtime_coaching"

// Registry holds validated experiment definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]domain.ExperimentDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]domain.ExperimentDefinition)}
}

// NewRegistryFrom creates a registry and registers every definition.
func NewRegistryFrom(defs []domain.ExperimentDefinition) (*Registry, error) {
	r := NewRegistry()
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and stores a definition, replacing any with the same name.
func (r *Registry) Register(def domain.ExperimentDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Replace validates defs and swaps them in as the full set of definitions.
// On error the registry is left unchanged.
func (r *Registry) Replace(defs []domain.ExperimentDefinition) error {
	next := make(map[string]domain.ExperimentDefinition, len(defs))
	for _, def := range defs {
		if err := Validate(def); err != nil {
			return err
		}
		if _, dup := next[def.Name]; dup {
			return fmt.Errorf("%w: duplicate experiment %q", ErrInvalidDefinition, def.Name)
		}
		next[def.Name] = def
	}
	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (domain.ExperimentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []domain.ExperimentDefinition {
	r.mu.RLock()
	out := make([]domain.ExperimentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MetricIndex maps every declared metric name to the experiment declaring it.
// When several experiments declare a metric the alphabetically first wins.
func (r *Registry) MetricIndex() map[string]string {
	index := make(map[string]string)
	for _, def := range r.List() {
		for _, m := range def.Metrics {
			if _, taken := index[m]; !taken {
				index[m] = def.Name
			}
		}
	}
	return index
}

// Validate checks a definition for configuration errors.
func Validate(def domain.ExperimentDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(def.Variants) == 0 {
		return fmt.Errorf("%w: %s has no variants", ErrInvalidDefinition, def.Name)
	}
	seen := make(map[string]bool, len(def.Variants))
	for _, v := range def.Variants {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("%w: %s has a variant without name", ErrInvalidDefinition, def.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: %s has duplicate variant %q", ErrInvalidDefinition, def.Name, v.Name)
		}
		seen[v.Name] = true
		if !(v.Weight > 0) || math.IsInf(v.Weight, 0) {
			return fmt.Errorf("%w: %s variant %q has invalid weight %v", ErrInvalidDefinition, def.Name, v.Name, v.Weight)
		}
	}
	if total := def.TotalWeight(); math.IsInf(total, 0) {
		return fmt.Errorf("%w: %s weights overflow", ErrInvalidDefinition, def.Name)
	}
	if def.DefaultVariant != "" && !seen[def.DefaultVariant] {
		return fmt.Errorf("%w: %s default variant %q is not a variant", ErrInvalidDefinition, def.Name, def.DefaultVariant)
	}
	if !def.StartDate.IsZero() && !def.EndDate.IsZero() && def.EndDate.Before(def.StartDate) {
		return fmt.Errorf("%w: %s ends before it starts", ErrInvalidDefinition, def.Name)
	}
	return nil
}

type definitionsFile struct {
	Experiments []domain.ExperimentDefinition `yaml:"experiments"`
}

// LoadDefinitions reads experiment definitions from a YAML file. An empty
// path yields DefaultDefinitions.
func LoadDefinitions(path string) ([]domain.ExperimentDefinition, error) {
	if path == "" {
		return DefaultDefinitions(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Experiments) == 0 {
		return nil, fmt.Errorf("%w: %s declares no experiments", ErrInvalidDefinition, path)
	}
	return file.Experiments, nil
}

// DefaultDefinitions returns the built-in realtime coaching experiment.
func DefaultDefinitions() []domain.ExperimentDefinition {
	return []domain.ExperimentDefinition{{
		Name:        RealtimeCoaching,
		Description: "Does live coaching while typing improve message quality?",
		Variants: []domain.ExperimentVariant{
			{Name: domain.ControlVariant, Weight: 0.34, Config: map[string]any{
				domain.ConfigCoachingEnabled: false,
			}},
			{Name: "basic_hints", Weight: 0.33, Config: map[string]any{
				domain.ConfigCoachingEnabled: true,
				domain.ConfigHintLevel:       domain.HintLevelBasic,
			}},
			{Name: "advanced_hints", Weight: 0.33, Config: map[string]any{
				domain.ConfigCoachingEnabled: true,
				domain.ConfigHintLevel:       domain.HintLevelAdvanced,
			}},
		},
		Metrics: []string{
			domain.MetricMessageScore,
			domain.MetricSessionDuration,
			domain.MetricHintAcceptanceRate,
			domain.MetricHintAccepted,
			domain.MetricHintDismissed,
			domain.MetricHintClicked,
		},
		Active:           true,
		TargetSampleSize: 1000,
	}}
}
