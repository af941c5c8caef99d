// Package metrics records experiment metric data points and computes
// per-variant results with a heuristic significance check.
package metrics

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/shsh-coach/internal/domain"
)

const (
	// RecentBufferSize bounds the rolling buffer per (experiment, metric).
	RecentBufferSize = 1000
	// DefaultWindowDays is used when GetResults receives a non-positive window.
	DefaultWindowDays = 7
)

// BucketStore persists data points bucketed by (experiment, metric, day).
type BucketStore interface {
	AppendMetric(ctx context.Context, p domain.MetricDataPoint) error
	ScanMetrics(ctx context.Context, experiment, fromDay, toDay string) ([]domain.MetricDataPoint, error)
	EvictMetricsBefore(ctx context.Context, day string) (int64, error)
}

// AssignmentLookup returns a user's cached assignment without computing one.
type AssignmentLookup interface {
	GetAssignment(ctx context.Context, userID, experimentName string) (domain.VariantAssignment, bool)
}

// Experiments resolves experiment definitions.
type Experiments interface {
	Get(name string) (domain.ExperimentDefinition, bool)
}

// Observer is notified of every Track outcome.
type Observer interface {
	MetricTracked(metric string, recorded bool)
}

// Engine is the metrics and significance engine. It is safe for concurrent use.
type Engine struct {
	store       BucketStore
	assignments AssignmentLookup
	experiments Experiments
	index       map[string]string
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	recent map[bufferKey][]domain.MetricDataPoint
}

type bufferKey struct {
	experiment string
	metric     string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetricIndex adds metric to experiment mappings used when Track is
// called without an explicit experiment.
func WithMetricIndex(index map[string]string) Option {
	return func(e *Engine) {
		maps.Copy(e.index, index)
	}
}

// WithObserver reports Track outcomes to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a metrics engine.
func NewEngine(store BucketStore, assignments AssignmentLookup, experiments Experiments, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:       store,
		assignments: assignments,
		experiments: experiments,
		index:       DefaultMetricIndex(),
		logger:      logger,
		now:         time.Now,
		recent:      make(map[bufferKey][]domain.MetricDataPoint),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultMetricIndex maps the coaching metrics to the realtime coaching experiment.
func DefaultMetricIndex() map[string]string {
	const exp = "realtime_coaching"
	return map[string]string{
		domain.MetricMessageScore:       exp,
		domain.MetricSessionDuration:    exp,
		domain.MetricHintAcceptanceRate: exp,
		domain.MetricHintAccepted:       exp,
		domain.MetricHintDismissed:      exp,
		domain.MetricHintClicked:        exp,
	}
}

type trackOptions struct {
	experiment string
	metadata   map[string]any
	timestamp  time.Time
}

// TrackOption customizes a Track call.
type TrackOption func(*trackOptions)

// WithExperiment attributes the point to experiment instead of inferring it.
func WithExperiment(experiment string) TrackOption {
	return func(o *trackOptions) { o.experiment = experiment }
}

// WithMetadata attaches free-form metadata to the point.
func WithMetadata(metadata map[string]any) TrackOption {
	return func(o *trackOptions) { o.metadata = metadata }
}

// WithTimestamp overrides the point's timestamp.
func WithTimestamp(ts time.Time) TrackOption {
	return func(o *trackOptions) { o.timestamp = ts }
}

// Track records one observation and reports whether it was persisted.
// Points that cannot be attributed to an experiment and variant are
// dropped; Track never fails.
func (e *Engine) Track(ctx context.Context, userID, metricName string, value float64, opts ...TrackOption) bool {
	o := trackOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	experiment := o.experiment
	if experiment == "" {
		experiment = e.index[metricName]
	}
	if experiment == "" {
		e.logger.Warn("dropping metric with no experiment", "metric", metricName, "user_id", userID)
		e.observe(metricName, false)
		return false
	}

	assignment, ok := e.assignments.GetAssignment(ctx, userID, experiment)
	if !ok {
		e.logger.Debug("dropping metric for unassigned user",
			"metric", metricName, "experiment", experiment, "user_id", userID)
		e.observe(metricName, false)
		return false
	}

	ts := o.timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	p := domain.MetricDataPoint{
		UserID:     userID,
		Experiment: experiment,
		Variant:    assignment.VariantName,
		MetricName: metricName,
		Value:      value,
		Timestamp:  ts.UTC(),
		Metadata:   o.metadata,
	}
	e.remember(p)

	if err := e.store.AppendMetric(ctx, p); err != nil {
		e.logger.Warn("failed to persist metric",
			"metric", metricName, "experiment", experiment, "user_id", userID, "error", err)
		e.observe(metricName, false)
		return false
	}
	e.observe(metricName, true)
	return true
}

// Recent returns a copy of the rolling buffer for (experiment, metric),
// oldest first.
func (e *Engine) Recent(experiment, metric string) []domain.MetricDataPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.recent[bufferKey{experiment, metric}]
	out := make([]domain.MetricDataPoint, len(buf))
	copy(out, buf)
	return out
}

// Evict removes persisted buckets older than retentionDays.
func (e *Engine) Evict(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := e.now().UTC().AddDate(0, 0, -retentionDays).Format(domain.DayLayout)
	return e.store.EvictMetricsBefore(ctx, cutoff)
}

func (e *Engine) remember(p domain.MetricDataPoint) {
	key := bufferKey{p.Experiment, p.MetricName}
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := append(e.recent[key], p)
	if len(buf) > RecentBufferSize {
		buf = append([]domain.MetricDataPoint(nil), buf[len(buf)/2:]...)
	}
	e.recent[key] = buf
}

func (e *Engine) observe(metric string, recorded bool) {
	if e.observer != nil {
		e.observer.MetricTracked(metric, recorded)
	}
}
