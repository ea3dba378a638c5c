package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestConfigCache(t *testing.T) (*ConfigCache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	cache := NewConfigCache(client, zap.NewNop())

	return cache, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestConfigCache_MissThenHit(t *testing.T) {
	cache, cleanup := setupTestConfigCache(t)
	defer cleanup()

	ctx := context.Background()

	_, ok, err := cache.GetJSON(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("empty cache should report a miss")
	}

	payload := []byte(`{"new_comment":{"default":7,"disabled":0,"editable":true}}`)
	if err := cache.SetJSON(ctx, payload); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, ok, err := cache.GetJSON(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit after set")
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: got %s", got)
	}
}

func TestConfigCache_Invalidate(t *testing.T) {
	cache, cleanup := setupTestConfigCache(t)
	defer cleanup()

	ctx := context.Background()

	if err := cache.SetJSON(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	_, ok, err := cache.GetJSON(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("invalidated cache should report a miss")
	}
}
