// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeStore returns canned results per corpus and records every call.
type fakeStore struct {
	mu      sync.Mutex
	results map[vectorstore.Corpus][]datatypes.SearchResult
	errs    map[vectorstore.Corpus]error
	calls   map[vectorstore.Corpus][]vectorstore.Filters
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		results: make(map[vectorstore.Corpus][]datatypes.SearchResult),
		errs:    make(map[vectorstore.Corpus]error),
		calls:   make(map[vectorstore.Corpus][]vectorstore.Filters),
	}
}

func (f *fakeStore) Search(ctx context.Context, corpus vectorstore.Corpus, query string, filters vectorstore.Filters) ([]datatypes.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[corpus] = append(f.calls[corpus], filters)
	if err := f.errs[corpus]; err != nil {
		return nil, err
	}
	out := datatypes.CloneResults(f.results[corpus])
	if len(out) > filters.TopK {
		out = out[:filters.TopK]
	}
	return out, nil
}

func (f *fakeStore) callCount(corpus vectorstore.Corpus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[corpus])
}

func makeResults(prefix string, scores ...float64) []datatypes.SearchResult {
	out := make([]datatypes.SearchResult, len(scores))
	for i, s := range scores {
		out[i] = datatypes.SearchResult{ID: prefix + string(rune('a'+i)), Text: prefix, Score: s}
	}
	return out
}

func ids(rs []datatypes.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// =============================================================================
// SplitTopK Tests
// =============================================================================

func TestSplitTopK(t *testing.T) {
	tests := []struct {
		topK     int
		wantDoc  int
		wantConv int
	}{
		{topK: 10, wantDoc: 7, wantConv: 3},
		{topK: 5, wantDoc: 3, wantConv: 2},
		{topK: 3, wantDoc: 2, wantConv: 1},
		{topK: 2, wantDoc: 1, wantConv: 1},
		{topK: 1, wantDoc: 1, wantConv: 0},
		{topK: 0, wantDoc: 0, wantConv: 0},
	}
	for _, tt := range tests {
		docK, convK := SplitTopK(tt.topK)
		assert.Equal(t, tt.wantDoc, docK, "docK for topK=%d", tt.topK)
		assert.Equal(t, tt.wantConv, convK, "convK for topK=%d", tt.topK)
	}
}

// =============================================================================
// GetRelevantDocuments Tests
// =============================================================================

func TestGetRelevantDocuments_MergesAndSorts(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.9, 0.5, 0.2)
	store.results[vectorstore.CorpusConversations] = makeResults("c", 0.7, 0.1)

	r := New(store, Options{TopK: 4})
	got, err := r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, []string{"da", "ca", "db", "cb"}, ids(got))
	assert.Equal(t, "documents", got[0].Metadata[datatypes.MetaCorpus])
	assert.Equal(t, "conversations", got[1].Metadata[datatypes.MetaCorpus])
}

func TestGetRelevantDocuments_TiesKeepDocumentsFirst(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.5)
	store.results[vectorstore.CorpusConversations] = makeResults("c", 0.5)

	r := New(store, Options{TopK: 3})
	got, err := r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"da", "ca"}, ids(got))
}

func TestGetRelevantDocuments_SplitsBudgetAndFilters(t *testing.T) {
	store := newFakeStore()
	r := New(store, Options{TopK: 10, SessionID: "sess_1"})

	_, err := r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)

	require.Len(t, store.calls[vectorstore.CorpusDocuments], 1)
	require.Len(t, store.calls[vectorstore.CorpusConversations], 1)
	assert.Equal(t, 7, store.calls[vectorstore.CorpusDocuments][0].TopK)
	assert.Equal(t, "", store.calls[vectorstore.CorpusDocuments][0].SessionID)
	assert.Equal(t, 3, store.calls[vectorstore.CorpusConversations][0].TopK)
	assert.Equal(t, "sess_1", store.calls[vectorstore.CorpusConversations][0].SessionID)
}

func TestGetRelevantDocuments_SkipsConversationsWhenNoSlots(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.4)

	r := New(store, Options{TopK: 1})
	got, err := r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 0, store.callCount(vectorstore.CorpusConversations))
}

func TestGetRelevantDocuments_StoreFailureDegradesToEmpty(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.9)
	store.errs[vectorstore.CorpusConversations] = errors.New("weaviate unavailable")

	var mu sync.Mutex
	var stages []string
	r := New(store, Options{TopK: 5, ErrorHook: func(ctx context.Context, stage string, err error) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, stage)
	}})

	got, err := r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"da"}, ids(got))
	assert.Equal(t, []string{"conversations"}, stages)
}

// captureDefaultLog routes slog.Default into a buffer for the test.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestGetRelevantDocuments_StoreFailureLoggedOnce(t *testing.T) {
	store := newFakeStore()
	store.errs[vectorstore.CorpusConversations] = errors.New("weaviate unavailable")

	buf := captureDefaultLog(t)
	_, err := New(store, Options{TopK: 5}).GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "Vector store search failed"))

	buf.Reset()
	hooked := 0
	r := New(store, Options{TopK: 5, ErrorHook: func(context.Context, string, error) { hooked++ }})
	_, err = r.GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 1, hooked)
	assert.Empty(t, buf.String(), "an installed hook owns logging")
}

func TestGetRelevantDocuments_BothFailReturnsEmptyNotNil(t *testing.T) {
	store := newFakeStore()
	store.errs[vectorstore.CorpusDocuments] = errors.New("down")
	store.errs[vectorstore.CorpusConversations] = errors.New("down")

	got, err := New(store, Options{}).GetRelevantDocuments(context.Background(), "q")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetRelevantDocuments_CancelledContext(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := New(store, Options{}).GetRelevantDocuments(ctx, "q")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func TestSingleCorpusViews(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.9, 0.8)
	store.results[vectorstore.CorpusConversations] = makeResults("c", 0.3)
	r := New(store, Options{TopK: 5})

	docs, err := r.GetDocumentResults(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"da", "db"}, ids(docs))
	assert.Equal(t, 5, store.calls[vectorstore.CorpusDocuments][0].TopK)

	convs, err := r.GetConversationResults(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"ca"}, ids(convs))

	store.errs[vectorstore.CorpusDocuments] = errors.New("down")
	docs, err = r.GetDocumentResults(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

// =============================================================================
// Incremental Tests
// =============================================================================

func TestIncremental_YieldsThreePhasesInOrder(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.4, 0.2)
	store.results[vectorstore.CorpusConversations] = makeResults("c", 0.6)

	r := New(store, Options{TopK: 3})
	var events []datatypes.IncrementalResult
	for ev := range r.GetRelevantDocumentsIncremental(context.Background(), "q") {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, datatypes.PhaseDocuments, events[0].Type)
	assert.Equal(t, datatypes.PhaseConversations, events[1].Type)
	assert.Equal(t, datatypes.PhaseComplete, events[2].Type)
	for i, ev := range events {
		assert.Equal(t, i, ev.Progress)
		assert.Equal(t, 2, ev.Total)
	}

	assert.Equal(t, []string{"da", "db"}, ids(events[0].Results))
	assert.Equal(t, []string{"ca"}, ids(events[1].Results))
	assert.Equal(t, []string{"ca", "da", "db"}, ids(events[2].Results))
}

func TestIncremental_FailuresStillYieldThreePhases(t *testing.T) {
	store := newFakeStore()
	store.errs[vectorstore.CorpusDocuments] = errors.New("down")
	store.errs[vectorstore.CorpusConversations] = errors.New("down")

	count := 0
	for ev := range New(store, Options{}).GetRelevantDocumentsIncremental(context.Background(), "q") {
		assert.NotNil(t, ev.Results)
		assert.Empty(t, ev.Results)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestIncremental_BreakStopsFurtherSearches(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = makeResults("d", 0.4)

	for range New(store, Options{}).GetRelevantDocumentsIncremental(context.Background(), "q") {
		break
	}
	assert.Equal(t, 1, store.callCount(vectorstore.CorpusDocuments))
	assert.Equal(t, 0, store.callCount(vectorstore.CorpusConversations))
}

func TestIncremental_CancelledContextYieldsNothing(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for range New(store, Options{}).GetRelevantDocumentsIncremental(ctx, "q") {
		count++
	}
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, store.callCount(vectorstore.CorpusConversations))
}

// =============================================================================
// LangchainRetriever Tests
// =============================================================================

func TestLangchainRetriever_ConvertsResults(t *testing.T) {
	store := newFakeStore()
	store.results[vectorstore.CorpusDocuments] = []datatypes.SearchResult{
		{ID: "doc-1", Text: "Quick Sort", Score: 0.75, Metadata: map[string]any{"source": "algo.md"}},
	}

	lc := NewLangchainRetriever(New(store, Options{TopK: 2}))
	docs, err := lc.GetRelevantDocuments(context.Background(), "sort")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Quick Sort", docs[0].PageContent)
	assert.InDelta(t, 0.75, docs[0].Score, 1e-6)
	assert.Equal(t, "doc-1", docs[0].Metadata["id"])
	assert.Equal(t, "algo.md", docs[0].Metadata["source"])
}
