package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheNoExpiryEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	// zero ttl entries survive cleanup passes
	if err := c.Set(ctx, "short", "x", time.Nanosecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := c.Get(ctx, "short"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil for expired key, got %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("no-expiry entry evicted: %q %v", got, err)
	}
}

func TestMemoryCacheSetNXAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	ok, err := c.SetNX(ctx, "k", "v1", 0)
	if err != nil || !ok {
		t.Fatalf("first setnx: %v %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", "v2", 0)
	if err != nil || ok {
		t.Fatalf("second setnx should not win: %v %v", ok, err)
	}
	c.Clear()
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected miss after clear, got %v", err)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	ctx := context.Background()

	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis-backed cache")
	}
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	c := NewCache(context.Background(), nil)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected memory cache fallback")
	}
}
