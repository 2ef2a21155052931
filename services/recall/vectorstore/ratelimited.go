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
	"fmt"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimitedStore.
type RateLimitConfig struct {
	// QueriesPerSecond is the sustained query rate. 0 disables limiting.
	QueriesPerSecond float64 `yaml:"queries_per_second" validate:"gte=0"`

	// Burst is the number of queries allowed above the sustained rate.
	Burst int `yaml:"burst" validate:"gte=0"`
}

// RateLimitedStore throttles searches against an inner Store.
//
// # Description
//
// The multi-turn service fans out one query per retained turn plus the
// baseline, each of which hits both corpora. A token bucket keeps that
// burst within what the vector database is provisioned for. Waiting honors
// context cancellation.
type RateLimitedStore struct {
	inner   Store
	limiter *rate.Limiter
}

// NewRateLimitedStore wraps inner. A non-positive rate returns a store that
// never waits.
func NewRateLimitedStore(inner Store, config RateLimitConfig) *RateLimitedStore {
	limit := rate.Inf
	if config.QueriesPerSecond > 0 {
		limit = rate.Limit(config.QueriesPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedStore{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Search waits for a token, then delegates.
func (r *RateLimitedStore) Search(ctx context.Context, corpus Corpus, query string, f Filters) ([]datatypes.SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.Search(ctx, corpus, query, f)
}
