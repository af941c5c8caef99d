package domain

import "time"

// Metric names recorded by the coaching orchestrator.
const (
	MetricMessageScore       = "message_score"
	MetricSessionDuration    = "session_duration"
	MetricHintAcceptanceRate = "hint_acceptance_rate"
	MetricHintAccepted       = "hint_accepted"
	MetricHintDismissed      = "hint_dismissed"
	MetricHintClicked        = "hint_clicked"
)

// DayLayout formats the per-day bucket key of a metric data point.
const DayLayout = "2006-01-02"

// MetricDataPoint is one append-only observation.
type MetricDataPoint struct {
	UserID     string         `json:"user_id"`
	Experiment string         `json:"experiment"`
	Variant    string         `json:"variant"`
	MetricName string         `json:"metric_name"`
	Value      float64        `json:"value"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Day returns the UTC day bucket the point belongs to.
func (p MetricDataPoint) Day() string {
	return p.Timestamp.UTC().Format(DayLayout)
}
