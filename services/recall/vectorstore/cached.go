// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig configures CachedStore.
type CacheConfig struct {
	// Size is the maximum number of cached queries. Default: 1024
	Size int `yaml:"size" validate:"gte=0"`

	// TTL bounds how stale a cached result may be. Default: 2m
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// DefaultCacheConfig returns the default cache sizing.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 1024, TTL: 2 * time.Minute}
}

// CachedStore memoizes successful searches of an inner Store.
//
// # Description
//
// Per-turn re-queries within one session repeat a lot of text, and
// consecutive turns re-issue near identical baseline queries. Caching by
// (corpus, query, filters) removes those round trips. Errors are never
// cached.
//
// # Thread Safety
//
// Safe for concurrent use; the expirable LRU is internally locked. Two
// concurrent misses for the same key may both reach the inner store.
type CachedStore struct {
	inner Store
	cache *expirable.LRU[string, []datatypes.SearchResult]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedStore wraps inner with an expiring LRU cache.
func NewCachedStore(inner Store, config CacheConfig) *CachedStore {
	defaults := DefaultCacheConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	return &CachedStore{
		inner: inner,
		cache: expirable.NewLRU[string, []datatypes.SearchResult](config.Size, nil, config.TTL),
	}
}

// Search returns a cached copy when present, otherwise queries inner.
func (c *CachedStore) Search(ctx context.Context, corpus Corpus, query string, f Filters) ([]datatypes.SearchResult, error) {
	key := string(corpus) + "\x00" + f.Key() + "\x00" + query

	if cached, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return datatypes.CloneResults(cached), nil
	}
	c.misses.Add(1)

	results, err := c.inner.Search(ctx, corpus, query, f)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, datatypes.CloneResults(results))
	return results, nil
}

// Stats returns cache hit and miss counts since creation.
func (c *CachedStore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge drops every cached entry.
func (c *CachedStore) Purge() {
	c.cache.Purge()
}
