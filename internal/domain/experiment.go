package domain

import "time"

// Variant config keys understood by the coaching orchestrator.
const (
	ConfigCoachingEnabled = "coaching_enabled"
	ConfigHintLevel       = "hint_level"
)

// Hint levels.
const (
	HintLevelBasic    = "basic"
	HintLevelAdvanced = "advanced"
)

// ControlVariant is the conventional name of the baseline variant.
const ControlVariant = "control"

// ExperimentVariant is one named configuration option within an experiment.
type ExperimentVariant struct {
	Name   string         `json:"name" yaml:"name"`
	Weight float64        `json:"weight" yaml:"weight"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// ExperimentDefinition is the static configuration of one experiment.
type ExperimentDefinition struct {
	Name             string              `json:"name" yaml:"name"`
	Description      string              `json:"description,omitempty" yaml:"description"`
	Variants         []ExperimentVariant `json:"variants" yaml:"variants"`
	Metrics          []string            `json:"metrics,omitempty" yaml:"metrics"`
	Active           bool                `json:"active" yaml:"active"`
	TargetSampleSize int                 `json:"target_sample_size,omitempty" yaml:"target_sample_size"`
	StartDate        time.Time           `json:"start_date,omitzero" yaml:"start_date"`
	EndDate          time.Time           `json:"end_date,omitzero" yaml:"end_date"`
	DefaultVariant   string              `json:"default_variant,omitempty" yaml:"default_variant"`
}

// Variant returns the variant with the given name.
func (d *ExperimentDefinition) Variant(name string) (ExperimentVariant, bool) {
	for _, v := range d.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return ExperimentVariant{}, false
}

// Default returns the variant served when the experiment is inactive:
// DefaultVariant if set, else "control" if present, else the first variant.
func (d *ExperimentDefinition) Default() ExperimentVariant {
	if d.DefaultVariant != "" {
		if v, ok := d.Variant(d.DefaultVariant); ok {
			return v
		}
	}
	if v, ok := d.Variant(ControlVariant); ok {
		return v
	}
	if len(d.Variants) > 0 {
		return d.Variants[0]
	}
	return ExperimentVariant{Name: ControlVariant}
}

// ControlName returns the baseline used for comparisons: "control" if
// present, else the first variant.
func (d *ExperimentDefinition) ControlName() string {
	if _, ok := d.Variant(ControlVariant); ok {
		return ControlVariant
	}
	if len(d.Variants) > 0 {
		return d.Variants[0].Name
	}
	return ""
}

// TotalWeight sums the variant weights.
func (d *ExperimentDefinition) TotalWeight() float64 {
	var total float64
	for _, v := range d.Variants {
		total += v.Weight
	}
	return total
}

// VariantAssignment binds one user to one variant of one experiment.
type VariantAssignment struct {
	VariantName    string         `json:"variant_name"`
	ExperimentName string         `json:"experiment_name"`
	Config         map[string]any `json:"config,omitempty"`
	Forced         bool           `json:"forced"`
}

// CoachingEnabled reports whether the variant turns coaching on.
func (a VariantAssignment) CoachingEnabled() bool {
	switch v := a.Config[ConfigCoachingEnabled].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	default:
		return false
	}
}

// HintLevel returns the variant's hint verbosity level.
func (a VariantAssignment) HintLevel() string {
	if v, ok := a.Config[ConfigHintLevel].(string); ok {
		return v
	}
	return ""
}
