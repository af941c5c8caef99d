package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/shsh-coach/internal/cache"
	"github.com/ashureev/shsh-coach/internal/domain"
)

// readThrough stores assignments as JSON in a cache.Cache and collapses
// concurrent misses for the same key.
type readThrough struct {
	cache cache.Cache
	group singleflight.Group
}

type lookupResult struct {
	assignment domain.VariantAssignment
	writeErr   error
}

func (rt *readThrough) get(ctx context.Context, key string) (domain.VariantAssignment, bool, error) {
	raw, found, err := rt.cache.Get(ctx, key)
	if err != nil || !found {
		return domain.VariantAssignment{}, false, err
	}
	var a domain.VariantAssignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.VariantAssignment{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return a, true, nil
}

func (rt *readThrough) set(ctx context.Context, key string, a domain.VariantAssignment, ttl time.Duration) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return rt.cache.Set(ctx, key, raw, ttl)
}

// getOrCompute returns the cached value for key, or computes, stores and
// returns it. A read failure is returned as err with no value. A failed
// write still yields the computed value, with the failure in writeErr.
func (rt *readThrough) getOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func() domain.VariantAssignment,
) (a domain.VariantAssignment, writeErr, err error) {
	v, err, _ := rt.group.Do(key, func() (any, error) {
		cached, found, err := rt.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			return lookupResult{assignment: cached}, nil
		}
		fresh := compute()
		return lookupResult{assignment: fresh, writeErr: rt.set(ctx, key, fresh, ttl)}, nil
	})
	if err != nil {
		return domain.VariantAssignment{}, nil, err
	}
	res := v.(lookupResult)
	return res.assignment, res.writeErr, nil
}
