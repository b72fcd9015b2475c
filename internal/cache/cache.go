package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source is satisfied by redisholder.Holder.
type Source interface {
	Get() redis.UniversalClient
}

// Cache stores short strings under a namespace, e.g. the mp3 blob produced
// for a given video blob.
type Cache struct {
	Redis     Source
	Namespace string
}

func NewCache(namespace string, src Source) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     src,
	}
}

func (c *Cache) key(k string) string { return c.Namespace + ":" + k }

// Get reports ok=false on a miss instead of an error.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.Redis.Get().Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Store sets key; ttl <= 0 keeps it forever.
func (c *Cache) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.Redis.Get().Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.Redis.Get().Del(ctx, c.key(key)).Err()
}
