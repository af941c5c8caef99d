package metrics

import (
	"context"
	"sync"

	"github.com/ashureev/shsh-coach/internal/domain"
)

// MemoryStore is an in-process BucketStore. Data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[memoryBucket][]domain.MetricDataPoint
}

type memoryBucket struct {
	experiment string
	metric     string
	day        string
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[memoryBucket][]domain.MetricDataPoint)}
}

// AppendMetric appends p to its bucket.
func (m *MemoryStore) AppendMetric(_ context.Context, p domain.MetricDataPoint) error {
	key := memoryBucket{p.Experiment, p.MetricName, p.Day()}
	m.mu.Lock()
	m.buckets[key] = append(m.buckets[key], p)
	m.mu.Unlock()
	return nil
}

// ScanMetrics returns the experiment's points with fromDay <= day <= toDay.
func (m *MemoryStore) ScanMetrics(_ context.Context, experiment, fromDay, toDay string) ([]domain.MetricDataPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MetricDataPoint
	for key, points := range m.buckets {
		if key.experiment != experiment || key.day < fromDay || key.day > toDay {
			continue
		}
		out = append(out, points...)
	}
	return out, nil
}

// EvictMetricsBefore drops buckets older than day.
func (m *MemoryStore) EvictMetricsBefore(_ context.Context, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, points := range m.buckets {
		if key.day < day {
			n += int64(len(points))
			delete(m.buckets, key)
		}
	}
	return n, nil
}
