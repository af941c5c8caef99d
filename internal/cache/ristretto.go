package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// minCounters keeps small caches above ristretto's zero-counter rejection.
const minCounters = 1000

// Ristretto is an in-process L1 cache backed by dgraph-io/ristretto.
type Ristretto struct {
	c *ristretto.Cache[string, []byte]
}

// NewRistretto creates a ristretto-backed cache bounded to maxCostBytes of
// cached values.
func NewRistretto(maxCostBytes int64) (*Ristretto, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 32 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, minCounters), // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Ristretto{c: c}, nil
}

// Get retrieves a value.
func (r *Ristretto) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := r.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL. Writes are applied before Set
// returns so a following Get observes them. Entries rejected by the
// admission policy are dropped silently apart from a debug log.
func (r *Ristretto) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !r.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		slog.DebugContext(ctx, "l1 cache rejected entry", "key", key, "cost", len(value))
		return nil
	}
	r.c.Wait()
	return nil
}

// Delete removes a value.
func (r *Ristretto) Delete(_ context.Context, key string) error {
	r.c.Del(key)
	return nil
}

// Close releases the cache's background goroutines.
func (r *Ristretto) Close() {
	r.c.Close()
}
