package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	platformredis "regionsync/internal/platform/redis"
)

// Cache is a shared read cache of partition descriptors. Descriptors are
// read-heavy and write-light; any component may cache them, but mutation
// still goes through the router exclusively.
type Cache interface {
	Get(table string) ([]Descriptor, bool)
	Set(table string, descriptors []Descriptor)
	Invalidate(table string)
}

// RedisCache caches descriptors in Redis so sibling processes can route
// without holding the authoritative metadata.
type RedisCache struct {
	client *platformredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *platformredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(table string) string {
	return fmt.Sprintf("regionsync:partitions:%s", table)
}

func (c *RedisCache) Get(table string) ([]Descriptor, bool) {
	ctx := context.Background()
	raw, err := c.client.Get(ctx, cacheKey(table)).Bytes()
	if err != nil {
		return nil, false
	}
	var descriptors []Descriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, false
	}
	return descriptors, true
}

func (c *RedisCache) Set(table string, descriptors []Descriptor) {
	raw, err := json.Marshal(descriptors)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = c.client.Set(ctx, cacheKey(table), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(table string) {
	ctx := context.Background()
	_ = c.client.Del(ctx, cacheKey(table)).Err()
}
