// Package cache provides the versioned key/value cache used to memoize
// enrichment fingerprints and replicate hot suppression lookups.
//
// Keys carry a version prefix ("v1:..."). Bumping the version makes every
// prior entry unreachable without issuing deletes. Reads past TTL are
// misses; Redis expiry guarantees no stale value is ever returned.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is the explicit miss sentinel. Callers must treat it as "not
// cached", never as an operational failure.
var ErrMiss = errors.New("cache miss")

// Kind namespaces cache entries and selects their TTL.
type Kind string

const (
	KindEnrichment  Kind = "enrich"
	KindSuppression Kind = "suppr"
)

// Cache is a Redis-backed versioned KV store.
type Cache struct {
	client  *redis.Client
	version string

	enrichmentTTL  time.Duration
	suppressionTTL time.Duration
}

// New creates a cache with the given version prefix and per-kind TTLs.
func New(client *redis.Client, version string, enrichmentTTL, suppressionTTL time.Duration) *Cache {
	if version == "" {
		version = "v1"
	}
	if enrichmentTTL == 0 {
		enrichmentTTL = 90 * 24 * time.Hour
	}
	if suppressionTTL == 0 {
		suppressionTTL = 24 * time.Hour
	}
	return &Cache{
		client:         client,
		version:        version,
		enrichmentTTL:  enrichmentTTL,
		suppressionTTL: suppressionTTL,
	}
}

// Version returns the active version prefix.
func (c *Cache) Version() string { return c.version }

// BumpVersion switches to a new prefix, invalidating all prior entries.
// Old keys age out via their TTLs.
func (c *Cache) BumpVersion(version string) {
	if version != "" {
		c.version = version
	}
}

func (c *Cache) key(kind Kind, k string) string {
	return fmt.Sprintf("%s:%s:%s", c.version, kind, k)
}

func (c *Cache) ttl(kind Kind) time.Duration {
	if kind == KindSuppression {
		return c.suppressionTTL
	}
	return c.enrichmentTTL
}

// Get returns the cached value or ErrMiss.
func (c *Cache) Get(ctx context.Context, kind Kind, k string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(kind, k)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// Set stores a value under the active version with the kind's TTL.
func (c *Cache) Set(ctx context.Context, kind Kind, k string, val []byte) error {
	if err := c.client.Set(ctx, c.key(kind, k), val, c.ttl(kind)).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes an entry. Used when a cached enrichment is known bad.
func (c *Cache) Delete(ctx context.Context, kind Kind, k string) error {
	return c.client.Del(ctx, c.key(kind, k)).Err()
}
