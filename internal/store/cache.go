package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/shsh-coach/internal/shared"
)

// CacheTable is a TTL key-value table usable as the durable level of a
// tiered cache.
type CacheTable struct {
	s *SQLiteStore
}

// Cache returns the store's key-value table.
func (s *SQLiteStore) Cache() *CacheTable {
	return &CacheTable{s: s}
}

// Get returns an unexpired value.
func (c *CacheTable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, c.s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	return value, true, nil
}

// Set stores value until ttl elapses, replacing any existing entry.
func (c *CacheTable) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
	INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`

	expires := c.s.now().Add(ttl).UnixMilli()
	err := shared.RetryOnConflict(ctx, "set cache entry", retryAttempts, retryBaseDelay, func() error {
		_, err := c.s.db.ExecContext(ctx, query, key, value, expires)
		return err
	})
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Delete removes key.
func (c *CacheTable) Delete(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, "delete cache entry", retryAttempts, retryBaseDelay, func() error {
		_, err := c.s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired entries and returns how many were removed.
func (c *CacheTable) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := c.s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, c.s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return result.RowsAffected()
}
