package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/shared"
)

// AppendMetric appends a data point to its (experiment, metric, day) bucket.
func (s *SQLiteStore) AppendMetric(ctx context.Context, p domain.MetricDataPoint) error {
	var metadata any
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := `
	INSERT INTO metric_points (experiment, metric_name, day, user_id, variant, value, ts, metadata_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, "append metric", retryAttempts, retryBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.Experiment, p.MetricName, p.Day(), p.UserID, p.Variant,
			p.Value, p.Timestamp.UnixMilli(), metadata,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

// ScanMetrics returns the experiment's data points in buckets from fromDay
// to toDay inclusive (domain.DayLayout strings), oldest first.
func (s *SQLiteStore) ScanMetrics(ctx context.Context, experiment, fromDay, toDay string) ([]domain.MetricDataPoint, error) {
	query := `
		SELECT user_id, variant, metric_name, value, ts, metadata_json
		FROM metric_points
		WHERE experiment = ? AND day >= ? AND day <= ?
		ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, experiment, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close metric rows", "error", closeErr)
		}
	}()

	var points []domain.MetricDataPoint
	for rows.Next() {
		p := domain.MetricDataPoint{Experiment: experiment}
		var ts int64
		var metadata *string
		if err := rows.Scan(&p.UserID, &p.Variant, &p.MetricName, &p.Value, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		if metadata != nil {
			if err := json.Unmarshal([]byte(*metadata), &p.Metadata); err != nil {
				slog.Warn("skipping malformed metric metadata", "experiment", experiment, "error", err)
			}
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return points, nil
}

// EvictMetricsBefore deletes every bucket older than day.
func (s *SQLiteStore) EvictMetricsBefore(ctx context.Context, day string) (int64, error) {
	var n int64
	err := shared.RetryOnConflict(ctx, "evict metrics", retryAttempts, retryBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM metric_points WHERE day < ?`, day)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("evict metrics: %w", err)
	}
	return n, nil
}
