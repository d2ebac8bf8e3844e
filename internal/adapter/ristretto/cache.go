// Package ristretto provides the in-process cache for review blob hashes,
// backed by dgraph-io/ristretto. Hashing every changed file on every review
// poll gets expensive on large diffs; entries use a short TTL so staleness
// detection stays honest.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// HashCache caches git blob hashes keyed by "<ref>:<path>".
type HashCache struct {
	c   *ristretto.Cache[string, string]
	ttl time.Duration
}

// NewHashCache creates a cache holding up to maxEntries hashes with the
// given TTL per entry.
func NewHashCache(maxEntries int64, ttl time.Duration) (*HashCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HashCache{c: c, ttl: ttl}, nil
}

// Get returns the cached hash for key.
func (h *HashCache) Get(key string) (string, bool) {
	return h.c.Get(key)
}

// Set stores the hash for key. Each entry costs 1 toward the entry budget.
func (h *HashCache) Set(key, hash string) {
	h.c.SetWithTTL(key, hash, 1, h.ttl)
}

// Delete drops the cached hash for key.
func (h *HashCache) Delete(key string) {
	h.c.Del(key)
}

// Close releases the cache's resources.
func (h *HashCache) Close() {
	h.c.Close()
}
