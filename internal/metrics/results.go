package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/experiment"
)

// Significance heuristic thresholds.
const (
	MinImprovementPercent = 5.0
	MinSignificantCount   = 50
	LowSampleCount        = 30
	MinTotalSampleSize    = 100

	ConfidenceSignificant = 0.95
	ConfidenceDefault     = 0.5
	ConfidenceLowSample   = 0.1
)

// MetricSummary aggregates one metric for one variant.
type MetricSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// VariantResults aggregates one variant over the window.
type VariantResults struct {
	SampleSize int                      `json:"sample_size"`
	Metrics    map[string]MetricSummary `json:"metrics"`
}

// Comparison contrasts one metric of a variant with the control.
type Comparison struct {
	Variant            string  `json:"variant"`
	Control            string  `json:"control"`
	Metric             string  `json:"metric"`
	ControlMean        float64 `json:"control_mean"`
	VariantMean        float64 `json:"variant_mean"`
	ControlCount       int     `json:"control_count"`
	VariantCount       int     `json:"variant_count"`
	ImprovementPercent float64 `json:"improvement_percent"`
	Significant        bool    `json:"significant"`
	Confidence         float64 `json:"confidence"`
}

// ExperimentResults is the report returned by GetResults.
type ExperimentResults struct {
	Experiment      string                    `json:"experiment"`
	WindowDays      int                       `json:"window_days"`
	From            string                    `json:"from"`
	To              string                    `json:"to"`
	TotalSampleSize int                       `json:"total_sample_size"`
	Variants        map[string]VariantResults `json:"variants"`
	Comparisons     []Comparison              `json:"comparisons"`
	Recommendations []string                  `json:"recommendations"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

type accumulator struct {
	count int
	sum   float64
	min   float64
	max   float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
}

// GetResults aggregates the last windowDays day buckets (today included)
// per variant and compares every variant against the control.
func (e *Engine) GetResults(ctx context.Context, experimentName string, windowDays int) (ExperimentResults, error) {
	def, ok := e.experiments.Get(experimentName)
	if !ok {
		return ExperimentResults{}, fmt.Errorf("%w: %s", experiment.ErrUnknownExperiment, experimentName)
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	now := e.now().UTC()
	to := now.Format(domain.DayLayout)
	from := now.AddDate(0, 0, -(windowDays - 1)).Format(domain.DayLayout)

	points, err := e.store.ScanMetrics(ctx, experimentName, from, to)
	if err != nil {
		return ExperimentResults{}, fmt.Errorf("scan %s: %w", experimentName, err)
	}

	users := make(map[string]map[string]struct{})
	stats := make(map[string]map[string]*accumulator)
	allUsers := make(map[string]struct{})
	for _, v := range def.Variants {
		users[v.Name] = make(map[string]struct{})
		stats[v.Name] = make(map[string]*accumulator)
	}
	for _, p := range points {
		if _, ok := users[p.Variant]; !ok {
			users[p.Variant] = make(map[string]struct{})
			stats[p.Variant] = make(map[string]*accumulator)
		}
		users[p.Variant][p.UserID] = struct{}{}
		allUsers[p.UserID] = struct{}{}
		acc, ok := stats[p.Variant][p.MetricName]
		if !ok {
			acc = &accumulator{}
			stats[p.Variant][p.MetricName] = acc
		}
		acc.add(p.Value)
	}

	results := ExperimentResults{
		Experiment:      experimentName,
		WindowDays:      windowDays,
		From:            from,
		To:              to,
		TotalSampleSize: len(allUsers),
		Variants:        make(map[string]VariantResults, len(users)),
		Comparisons:     []Comparison{},
		GeneratedAt:     now,
	}
	for variant, set := range users {
		vr := VariantResults{SampleSize: len(set), Metrics: make(map[string]MetricSummary)}
		for metric, acc := range stats[variant] {
			vr.Metrics[metric] = MetricSummary{
				Count: acc.count,
				Mean:  acc.sum / float64(acc.count),
				Min:   acc.min,
				Max:   acc.max,
			}
		}
		results.Variants[variant] = vr
	}

	control := def.ControlName()
	controlResults := results.Variants[control]
	for _, v := range def.Variants {
		if v.Name == control {
			continue
		}
		variantResults := results.Variants[v.Name]
		for _, metric := range sortedKeys(controlResults.Metrics) {
			vm, ok := variantResults.Metrics[metric]
			if !ok {
				continue
			}
			results.Comparisons = append(results.Comparisons,
				Compare(control, v.Name, metric, controlResults.Metrics[metric], vm))
		}
	}

	results.Recommendations = Recommend(results.TotalSampleSize, results.Comparisons)
	return results, nil
}

// Compare applies the significance heuristic to one metric.
func Compare(control, variant, metric string, c, v MetricSummary) Comparison {
	cmp := Comparison{
		Variant:      variant,
		Control:      control,
		Metric:       metric,
		ControlMean:  c.Mean,
		VariantMean:  v.Mean,
		ControlCount: c.Count,
		VariantCount: v.Count,
	}
	if c.Mean != 0 {
		cmp.ImprovementPercent = (v.Mean - c.Mean) / c.Mean * 100
	}
	cmp.Significant = math.Abs(cmp.ImprovementPercent) > MinImprovementPercent &&
		min(c.Count, v.Count) > MinSignificantCount

	switch {
	case c.Count <= LowSampleCount || v.Count <= LowSampleCount:
		cmp.Confidence = ConfidenceLowSample
	case cmp.Significant:
		cmp.Confidence = ConfidenceSignificant
	default:
		cmp.Confidence = ConfidenceDefault
	}
	return cmp
}

// Recommend turns comparisons into free-text recommendations.
func Recommend(totalSampleSize int, comparisons []Comparison) []string {
	if totalSampleSize < MinTotalSampleSize {
		return []string{fmt.Sprintf(
			"sample size insufficient: %d users observed, at least %d needed before drawing conclusions",
			totalSampleSize, MinTotalSampleSize)}
	}

	var best *Comparison
	for i := range comparisons {
		c := &comparisons[i]
		if !c.Significant || c.ImprovementPercent <= 0 {
			continue
		}
		if best == nil || c.ImprovementPercent > best.ImprovementPercent {
			best = c
		}
	}
	if best == nil {
		return []string{"no significant improvement found"}
	}
	return []string{fmt.Sprintf(
		"%s improves %s by %.1f%% over %s (confidence %.2f)",
		best.Variant, best.Metric, best.ImprovementPercent, best.Control, best.Confidence)}
}

func sortedKeys(m map[string]MetricSummary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
