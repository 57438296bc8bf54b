package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	c, err := NewRedisCache("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, srv := newRedisCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("get: val=%q ok=%v err=%v", val, ok, err)
	}

	srv.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisCacheSetNX(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	won, err := c.SetNX(ctx, "sentinel", "a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first setnx should win: won=%v err=%v", won, err)
	}
	won, err = c.SetNX(ctx, "sentinel", "b", time.Minute)
	if err != nil || won {
		t.Fatalf("second setnx should lose: won=%v err=%v", won, err)
	}
	if err := c.Del(ctx, "sentinel"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if won, _ = c.SetNX(ctx, "sentinel", "c", time.Minute); !won {
		t.Fatalf("setnx after del should win")
	}
}

func TestLocalCacheTTLAndBound(t *testing.T) {
	c := NewLocalCache(2)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "b", "2", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Bound reached: the entry closest to expiry is evicted to admit "c".
	if err := c.Set(ctx, "c", "3", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	if val, ok, _ := c.Get(ctx, "b"); !ok || val != "2" {
		t.Fatalf("expected b to survive, got %q ok=%v", val, ok)
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Fatalf("expected b to expire")
	}
}

func TestLocalCacheSetNX(t *testing.T) {
	c := NewLocalCache(0)
	ctx := context.Background()

	if won, _ := c.SetNX(ctx, "k", "a", time.Minute); !won {
		t.Fatalf("first setnx should win")
	}
	if won, _ := c.SetNX(ctx, "k", "b", time.Minute); won {
		t.Fatalf("second setnx should lose")
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, context.DeadlineExceeded
}
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return context.DeadlineExceeded
}
func (failingCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, context.DeadlineExceeded
}
func (failingCache) Del(context.Context, string) error { return context.DeadlineExceeded }

func TestFallbackDegradesToLocal(t *testing.T) {
	f := NewFallback(failingCache{}, NewLocalCache(0))
	ctx := context.Background()

	if err := f.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set should degrade, got %v", err)
	}
	val, ok, err := f.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("get after degraded set: val=%q ok=%v err=%v", val, ok, err)
	}
	if won, err := f.SetNX(ctx, "s", "x", time.Minute); err != nil || !won {
		t.Fatalf("setnx should degrade: won=%v err=%v", won, err)
	}
}
