// Package cache implements the two query-path cache tiers: a
// query-response cache keyed by request fingerprint and an embedding
// cache keyed by normalised query text. Both combine TTL expiry with LRU
// eviction and share a common policy shape.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the two tiers.
const (
	DefaultQueryCapacity     = 512
	DefaultQueryTTL          = 5 * time.Minute
	DefaultEmbeddingCapacity = 2048
	DefaultEmbeddingTTL      = time.Hour
)

// queryEntry wraps a cached response with the epoch it was computed at.
type queryEntry struct {
	epoch   uint64
	payload any
}

// QueryCache caches full query responses by request fingerprint.
// Fingerprints already embed the corpus epoch, so entries from an older
// epoch can never be hit; they are swept by PurgeEpochBefore and by TTL.
type QueryCache struct {
	lru *expirable.LRU[string, queryEntry]
}

// NewQueryCache creates a query-response cache.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	if capacity <= 0 {
		capacity = DefaultQueryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	return &QueryCache{
		lru: expirable.NewLRU[string, queryEntry](capacity, nil, ttl),
	}
}

// Get returns the cached payload for a fingerprint if it is fresh and
// belongs to the current epoch. Stale-epoch entries are removed on
// contact and reported as misses.
func (c *QueryCache) Get(fingerprint string, currentEpoch uint64) (any, bool) {
	entry, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if entry.epoch != currentEpoch {
		c.lru.Remove(fingerprint)
		return nil, false
	}
	return entry.payload, true
}

// Put stores a payload computed at the given epoch.
func (c *QueryCache) Put(fingerprint string, epoch uint64, payload any) {
	c.lru.Add(fingerprint, queryEntry{epoch: epoch, payload: payload})
}

// Clear drops every entry. Called by the hot-reload coordinator.
func (c *QueryCache) Clear() {
	c.lru.Purge()
}

// PurgeEpochBefore removes entries computed before the given epoch.
func (c *QueryCache) PurgeEpochBefore(epoch uint64) {
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.epoch < epoch {
			c.lru.Remove(key)
		}
	}
}

// Len returns the number of live entries.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

// EmbeddingCache caches query embeddings by normalised text. It survives
// hot reloads: embeddings depend only on the model, not the corpus.
type EmbeddingCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewEmbeddingCache creates an embedding cache.
func NewEmbeddingCache(capacity int, ttl time.Duration) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCapacity
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	return &EmbeddingCache{
		lru: expirable.NewLRU[string, []float32](capacity, nil, ttl),
	}
}

// Get returns the cached vector for a normalised text.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	return c.lru.Get(text)
}

// Put stores a vector for a normalised text.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	c.lru.Add(text, vector)
}

// Clear drops every entry.
func (c *EmbeddingCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
