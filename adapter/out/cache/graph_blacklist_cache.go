// Package cache provides Redis-backed cache adapters implementing outbound ports.
package cache

import (
	"context"
	"time"

	"mailgraph/core/port/out"
	"mailgraph/pkg/cache"
)

const (
	blacklistSnapshotKey = "graph:blacklist:snapshot"
	blacklistSnapshotTTL = 48 * time.Hour
)

// BlacklistCacheAdapter stores the blacklist snapshot in Redis so every
// process sees the same view. The snapshot carries its own freshness
// stamps; the TTL is only a safety net against abandoned keys.
type BlacklistCacheAdapter struct {
	cache *cache.RedisCache
}

func NewBlacklistCacheAdapter(redisCache *cache.RedisCache) *BlacklistCacheAdapter {
	return &BlacklistCacheAdapter{cache: redisCache}
}

// Load returns the cached snapshot, or (nil, nil) on a miss.
func (a *BlacklistCacheAdapter) Load(ctx context.Context) (*out.BlacklistSnapshot, error) {
	var snap out.BlacklistSnapshot
	found, err := a.cache.GetJSON(ctx, blacklistSnapshotKey, &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

func (a *BlacklistCacheAdapter) Store(ctx context.Context, snap *out.BlacklistSnapshot) error {
	return a.cache.SetJSON(ctx, blacklistSnapshotKey, snap, blacklistSnapshotTTL)
}

func (a *BlacklistCacheAdapter) Invalidate(ctx context.Context) error {
	return a.cache.Delete(ctx, blacklistSnapshotKey)
}
