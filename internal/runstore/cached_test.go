package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cached, *Bolt, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := openTestBolt(t)
	return NewCached(b, client, time.Minute, nil), b, srv
}

func TestCachedWriteThrough(t *testing.T) {
	c, b, srv := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Save(ctx, completedSession("run-1", "u1", storeStart)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !srv.Exists("run:run-1") {
		t.Fatalf("expected cache entry")
	}
	if ttl := srv.TTL("run:run-1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	// served from cache even when the backing store lost it
	if err := b.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := c.Fetch(ctx, "run-1")
	if err != nil || got == nil || got.ID != "run-1" {
		t.Fatalf("expected cached session, got %v, %v", got, err)
	}
}

func TestCachedFillsOnMiss(t *testing.T) {
	c, b, srv := newTestCache(t)
	ctx := context.Background()

	if _, err := b.Save(ctx, completedSession("run-1", "u1", storeStart)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if srv.Exists("run:run-1") {
		t.Fatalf("unexpected cache entry")
	}

	got, err := c.Fetch(ctx, "run-1")
	if err != nil || got == nil {
		t.Fatalf("fetch: %v, %v", got, err)
	}
	if !srv.Exists("run:run-1") {
		t.Fatalf("expected cache filled")
	}

	missing, err := c.Fetch(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil; got %v, %v", missing, err)
	}
}

func TestCachedDeleteEvicts(t *testing.T) {
	c, _, srv := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Save(ctx, completedSession("run-1", "u1", storeStart)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if srv.Exists("run:run-1") {
		t.Fatalf("expected cache evicted")
	}
	got, err := c.Fetch(ctx, "run-1")
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %v, %v", got, err)
	}
}

func TestCachedSurvivesRedisOutage(t *testing.T) {
	c, _, srv := newTestCache(t)
	ctx := context.Background()
	srv.Close()

	if _, err := c.Save(ctx, completedSession("run-1", "u1", storeStart)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := c.Fetch(ctx, "run-1")
	if err != nil || got == nil {
		t.Fatalf("expected fallback to store, got %v, %v", got, err)
	}
}
