package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Purger removes expired entries from a durable cache.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartRetentionWorker runs a background goroutine that periodically evicts
// metric buckets older than retentionDays and purges expired cache rows.
// purger may be nil.
func StartRetentionWorker(ctx context.Context, e *Engine, purger Purger, retentionDays int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention_days", retentionDays)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, e, purger, retentionDays)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, e *Engine, purger Purger, retentionDays int) {
	if evicted, err := e.Evict(ctx, retentionDays); err != nil {
		slog.Error("Retention worker failed to evict metrics", "error", err)
	} else if evicted > 0 {
		slog.Info("Retention worker evicted metric points", "count", evicted)
	}

	if purger == nil {
		return
	}
	if purged, err := purger.PurgeExpired(ctx); err != nil {
		slog.Error("Retention worker failed to purge cache entries", "error", err)
	} else if purged > 0 {
		slog.Info("Retention worker purged cache entries", "count", purged)
	}
}
