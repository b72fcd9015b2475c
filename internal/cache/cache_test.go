package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type staticSource struct{ c redis.UniversalClient }

func (s staticSource) Get() redis.UniversalClient { return s.c }

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("MP3HUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MP3HUB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping %s: %v", addr, err)
	}
	return NewCache("mp3hub:test:"+uuid.NewString(), staticSource{client})
}

func TestStoreGetRemove(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "video-1"); err != nil || ok {
		t.Fatalf("miss = %v, %v", ok, err)
	}
	if err := c.Store(ctx, "video-1", "mp3-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "video-1")
	if err != nil || !ok || got != "mp3-1" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
	if err := c.Remove(ctx, "video-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "video-1"); ok {
		t.Fatal("key survived Remove")
	}
}

func TestStoreExpires(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "short", "v", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Fatal("key outlived its ttl")
	}
}

func TestKeyIsNamespaced(t *testing.T) {
	c := NewCache("mp3hub:converted", nil)
	if got := c.key("v1"); got != "mp3hub:converted:v1" {
		t.Fatalf("key = %q", got)
	}
}
