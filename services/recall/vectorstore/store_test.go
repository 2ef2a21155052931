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
	"errors"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Test Helpers
// =============================================================================

func countingStore(results []datatypes.SearchResult, err error) (Store, *atomic.Int64) {
	var calls atomic.Int64
	return StoreFunc(func(ctx context.Context, corpus Corpus, query string, f Filters) ([]datatypes.SearchResult, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return datatypes.CloneResults(results), nil
	}), &calls
}

func newSeededBleve(t *testing.T) *BleveStore {
	t.Helper()
	store, err := NewBleveStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Index(context.Background(), CorpusDocuments, []Document{
		{ID: "d1", Text: "Quick Sort is a divide and conquer sorting algorithm", Source: "algorithms.md"},
		{ID: "d2", Text: "Python lists expose a sort method and the sorted builtin", Source: "python.md"},
		{ID: "d3", Text: "Kubernetes schedules pods onto nodes", Source: "k8s.md"},
	})
	require.NoError(t, err)

	_, err = store.Index(context.Background(), CorpusConversations, []Document{
		{ID: "c1", Text: "User: how do I sort a list in python\nAI: use sorted()", Metadata: map[string]string{"session_id": "sess_a"}},
		{ID: "c2", Text: "User: sort order of dict keys\nAI: insertion order", Metadata: map[string]string{"session_id": "sess_b"}},
	})
	require.NoError(t, err)
	return store
}

// =============================================================================
// Filters Tests
// =============================================================================

func TestFilters_KeyIsStableAcrossMapOrder(t *testing.T) {
	a := Filters{TopK: 3, SessionID: "s", Attributes: map[string]string{"b": "2", "a": "1", "c": "3"}}
	b := Filters{TopK: 3, SessionID: "s", Attributes: map[string]string{"c": "3", "a": "1", "b": "2"}}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Filters{TopK: 4, SessionID: "s"}.Key())
}

func TestCorpus_Valid(t *testing.T) {
	assert.True(t, CorpusDocuments.Valid())
	assert.True(t, CorpusConversations.Valid())
	assert.False(t, Corpus("images").Valid())
}

// =============================================================================
// BleveStore Tests
// =============================================================================

func TestBleveStore_SearchRanksAndNormalizes(t *testing.T) {
	store := newSeededBleve(t)

	results, err := store.Search(context.Background(), CorpusDocuments, "sort algorithm", Filters{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "d1", results[0].ID, "document mentioning both terms should rank first")
	for i, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.Less(t, r.Score, 1.0)
		assert.Equal(t, string(CorpusDocuments), r.Metadata[datatypes.MetaCorpus])
		if i > 0 {
			assert.LessOrEqual(t, r.Score, results[i-1].Score)
		}
	}
}

func TestBleveStore_TopKLimitsResults(t *testing.T) {
	store := newSeededBleve(t)

	results, err := store.Search(context.Background(), CorpusDocuments, "sort python algorithm", Filters{TopK: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestBleveStore_SessionFilter(t *testing.T) {
	store := newSeededBleve(t)

	results, err := store.Search(context.Background(), CorpusConversations, "sort", Filters{TopK: 5, SessionID: "sess_b"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].ID)
	assert.Equal(t, "sess_b", results[0].Metadata["session_id"])
}

func TestBleveStore_EmptyQueryAndUnknownCorpus(t *testing.T) {
	store := newSeededBleve(t)

	results, err := store.Search(context.Background(), CorpusDocuments, "", Filters{})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = store.Search(context.Background(), Corpus("nope"), "sort", Filters{})
	assert.ErrorIs(t, err, ErrUnknownCorpus)

	_, err = store.Index(context.Background(), Corpus("nope"), []Document{{Text: "x"}})
	assert.ErrorIs(t, err, ErrUnknownCorpus)
}

func TestBleveStore_IndexAssignsIDs(t *testing.T) {
	store, err := NewBleveStore()
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Index(context.Background(), CorpusDocuments, []Document{{Text: "alpha"}, {Text: "beta"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Count(CorpusDocuments))
	assert.Equal(t, 0, store.Count(CorpusConversations))
}

func TestNormalizeLexicalScore(t *testing.T) {
	assert.Equal(t, 0.0, normalizeLexicalScore(0))
	assert.InDelta(t, 0.5, normalizeLexicalScore(1), 1e-9)
	assert.InDelta(t, 0.5, normalizeLexicalScore(-1), 1e-9)
	assert.Less(t, normalizeLexicalScore(1e6), 1.0)
}

// =============================================================================
// CachedStore Tests
// =============================================================================

func TestCachedStore_HitsSkipInnerStore(t *testing.T) {
	inner, calls := countingStore([]datatypes.SearchResult{{ID: "a", Score: 0.5}}, nil)
	cached := NewCachedStore(inner, CacheConfig{Size: 8, TTL: time.Minute})

	for i := 0; i < 3; i++ {
		results, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{TopK: 2})
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
	assert.Equal(t, int64(1), calls.Load())

	hits, misses := cached.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	// Different filters are a different key.
	_, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCachedStore_ErrorsAreNotCached(t *testing.T) {
	inner, calls := countingStore(nil, errors.New("boom"))
	cached := NewCachedStore(inner, CacheConfig{})

	_, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.Error(t, err)
	_, err = cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	inner, _ := countingStore([]datatypes.SearchResult{{ID: "a", Score: 0.5}}, nil)
	cached := NewCachedStore(inner, CacheConfig{})

	first, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)
	first[0].Score = 99

	second, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, second[0].Score)
}

func TestCachedStore_PurgeForcesRefetch(t *testing.T) {
	inner, calls := countingStore([]datatypes.SearchResult{{ID: "a", Score: 0.5}}, nil)
	cached := NewCachedStore(inner, CacheConfig{})

	_, err := cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)
	cached.Purge()
	_, err = cached.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

// =============================================================================
// RateLimitedStore Tests
// =============================================================================

func TestRateLimitedStore_Delegates(t *testing.T) {
	inner, calls := countingStore([]datatypes.SearchResult{{ID: "a"}}, nil)
	limited := NewRateLimitedStore(inner, RateLimitConfig{})

	results, err := limited.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRateLimitedStore_HonorsCancellation(t *testing.T) {
	inner, calls := countingStore(nil, nil)
	limited := NewRateLimitedStore(inner, RateLimitConfig{QueriesPerSecond: 0.001, Burst: 1})

	// Drain the single burst token.
	_, err := limited.Search(context.Background(), CorpusDocuments, "q", Filters{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Search(ctx, CorpusDocuments, "q", Filters{})
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

// =============================================================================
// Weaviate Parsing Tests
// =============================================================================

func TestParseDocumentResults(t *testing.T) {
	certainty := 0.91
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"Document": []interface{}{
					map[string]interface{}{
						"content":    "Quick Sort explained",
						"source":     "algo.md",
						"data_space": "default",
						"_additional": map[string]interface{}{
							"id":        "0b5e6a9e-6c1d-4b8a-9f58-6f7f1d7a2b11",
							"certainty": certainty,
						},
					},
				},
			},
		},
	}

	results, err := parseDocumentResults(resp, "Document")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Quick Sort explained", results[0].Text)
	assert.InDelta(t, 0.91, results[0].Score, 1e-6)
	assert.Equal(t, "algo.md", results[0].Metadata[datatypes.MetaSource])
}

func TestParseConversationResults(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"Conversation": []interface{}{
					map[string]interface{}{
						"session_id":  "sess_1",
						"question":    "What is Go?",
						"answer":      "A language.",
						"turn_number": 3,
						"_additional": map[string]interface{}{"id": "x", "distance": 0.25},
					},
				},
			},
		},
	}

	results, err := parseConversationResults(resp, "Conversation")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "User: What is Go?\nAI: A language.", results[0].Text)
	assert.InDelta(t, 0.75, results[0].Score, 1e-6)
	assert.Equal(t, 3, results[0].Metadata["turn_number"])
}

func TestParseResults_GraphQLErrors(t *testing.T) {
	resp := &models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "no such class"}}}
	_, err := parseDocumentResults(resp, "Document")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such class")
}

func TestObjectID_DeterministicForSameContent(t *testing.T) {
	doc := Document{Text: "same text", Source: "a.md"}
	assert.Equal(t, objectID(CorpusDocuments, doc), objectID(CorpusDocuments, doc))
	assert.NotEqual(t, objectID(CorpusDocuments, doc), objectID(CorpusConversations, doc))

	explicit := Document{ID: "0b5e6a9e-6c1d-4b8a-9f58-6f7f1d7a2b11", Text: "x"}
	assert.Equal(t, explicit.ID, objectID(CorpusDocuments, explicit))
}

func TestTruncateQuery_CutsOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name  string
		query string
		max   int
		want  string
	}{
		{"short", "pivot", 10, "pivot"},
		{"exact", "pivot", 5, "pivot"},
		{"ascii", "quicksort", 5, "quick"},
		{"multibyte", "héllo wörld", 7, "héllo w"},
		{"cjk", "日本語のクエリ", 3, "日本語"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateQuery(tt.query, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
