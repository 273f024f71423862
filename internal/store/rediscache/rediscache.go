// Package rediscache puts a Redis-backed L1 in front of a slower resource-
// key store, following the cache-first read-through shape the teacher
// uses for its inbox and presence lookups.
package rediscache

import (
	"context"
	"encoding/hex"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

// SlowStore is the durable fallback a CachedStore backfills from, matching
// internal/resourcemanager.Store's shape.
type SlowStore interface {
	SaveKey(ctx context.Context, resourceID resource.ResourceID, key [primitives.KeySize]byte) error
	FindKey(ctx context.Context, resourceID resource.ResourceID) ([primitives.KeySize]byte, bool, error)
}

// NewClient builds a Redis client with optional password authentication
// from the REDIS_PASSWORD environment variable.
func NewClient(addr string) *redis.Client {
	password := os.Getenv("REDIS_PASSWORD")
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})
}

// CachedStore serves resource content keys from Redis first, falling back
// to slow on a miss and writing the result back to Redis for next time.
type CachedStore struct {
	client *redis.Client
	slow   SlowStore
	ttl    time.Duration
}

// New wraps slow with a Redis cache whose entries expire after ttl.
func New(client *redis.Client, slow SlowStore, ttl time.Duration) *CachedStore {
	return &CachedStore{client: client, slow: slow, ttl: ttl}
}

func cacheKey(resourceID resource.ResourceID) string {
	return "resourcekey:" + hex.EncodeToString(resourceID[:])
}

// SaveKey writes through to both the cache and the slow store.
func (c *CachedStore) SaveKey(ctx context.Context, resourceID resource.ResourceID, key [primitives.KeySize]byte) error {
	if err := c.slow.SaveKey(ctx, resourceID, key); err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(resourceID), key[:], c.ttl).Err(); err != nil {
		return corerr.Wrap(corerr.InternalError, err, "cache resource key")
	}
	return nil
}

// FindKey checks Redis first; on a miss it asks slow and, if found,
// backfills the cache before returning.
func (c *CachedStore) FindKey(ctx context.Context, resourceID resource.ResourceID) ([primitives.KeySize]byte, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(resourceID)).Bytes()
	if err == nil && len(raw) == primitives.KeySize {
		var key [primitives.KeySize]byte
		copy(key[:], raw)
		return key, true, nil
	}
	if err != nil && err != redis.Nil {
		return [primitives.KeySize]byte{}, false, corerr.Wrap(corerr.InternalError, err, "read cached resource key")
	}

	key, found, err := c.slow.FindKey(ctx, resourceID)
	if err != nil || !found {
		return key, found, err
	}

	if setErr := c.client.Set(ctx, cacheKey(resourceID), key[:], c.ttl).Err(); setErr != nil {
		return key, true, corerr.Wrap(corerr.InternalError, setErr, "backfill cached resource key")
	}
	return key, true, nil
}
