package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "billing:recon:version"

// Cache serves reconciliation reads through a versioned Redis cache. Every
// financial write bumps the version, which orphans all existing keys at
// once; concurrent cache misses for the same key collapse into a single
// rebuild via singleflight.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client degrades to
// pass-through (loader always runs), which is how tests without Redis and
// single-process deployments operate.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Bump invalidates every cached reconciliation by advancing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// FetchReconciliation returns the cached result for a period or rebuilds it
// with the loader.
func (c *Cache) FetchReconciliation(ctx context.Context, periodID int64, includeZero bool, loader func(context.Context) (ReconcileResult, error)) (ReconcileResult, error) {
	if loader == nil {
		return ReconcileResult{}, errors.New("billing: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.version(ctx)
	if err != nil {
		return loader(ctx)
	}
	key := fmt.Sprintf("billing:recon:%d:zero=%t:%d", periodID, includeZero, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached ReconcileResult
		if jsonErr := json.Unmarshal(payload, &cached); jsonErr == nil {
			return cached, nil
		}
	} else if err != redis.Nil {
		return loader(ctx)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		result, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(result); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return result, nil
	})
	select {
	case <-ctx.Done():
		return ReconcileResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ReconcileResult{}, res.Err
		}
		return res.Val.(ReconcileResult), nil
	}
}

var _ CacheInvalidator = (*Cache)(nil)
