package cache

import (
	"context"
	"time"

	"github.com/modelgate/modelgate/core/infra/logging"
)

// Fallback routes operations to a primary (shared) cache and degrades to a
// local in-process cache when the primary errors. Coalescing guarantees that
// depend on cross-process visibility weaken to per-process scope while
// degraded; requests keep being served either way.
type Fallback struct {
	primary Cache
	local   *LocalCache
}

// NewFallback wraps a primary cache with a local degraded-mode cache.
func NewFallback(primary Cache, local *LocalCache) *Fallback {
	if local == nil {
		local = NewLocalCache(0)
	}
	return &Fallback{primary: primary, local: local}
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if f.primary != nil {
		val, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			return val, ok, nil
		}
		logging.Warn("cache", "primary get failed, using local", "error", err)
	}
	return f.local.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.primary != nil {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		logging.Warn("cache", "primary set failed, using local", "error", err)
	}
	return f.local.Set(ctx, key, value, ttl)
}

func (f *Fallback) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.primary != nil {
		ok, err := f.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			return ok, nil
		}
		logging.Warn("cache", "primary setnx failed, using local", "error", err)
	}
	return f.local.SetNX(ctx, key, value, ttl)
}

func (f *Fallback) Del(ctx context.Context, key string) error {
	if f.primary != nil {
		if err := f.primary.Del(ctx, key); err == nil {
			return nil
		}
	}
	return f.local.Del(ctx, key)
}
