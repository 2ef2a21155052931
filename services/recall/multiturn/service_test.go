// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multiturn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/retriever"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const currentQuery = "and how fast is it"

// funcRetriever adapts a function to Retriever and records queries.
type funcRetriever struct {
	mu      sync.Mutex
	queries []string
	fn      func(ctx context.Context, query string) ([]datatypes.SearchResult, error)
}

func (f *funcRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.fn(ctx, query)
}

func (f *funcRetriever) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func baselineDocs() []datatypes.SearchResult {
	return []datatypes.SearchResult{
		{ID: "b1", Text: "Quick Sort has average complexity n log n", Score: 0.9},
		{ID: "b2", Text: "Merge Sort is stable", Score: 0.7},
	}
}

// echoRetriever returns baselineDocs for the current query and one
// query-specific document for every other query.
func echoRetriever() *funcRetriever {
	return &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		if query == currentQuery {
			return baselineDocs(), nil
		}
		return []datatypes.SearchResult{
			{ID: "h-" + query, Text: "historical match for " + query, Score: 0.8},
		}, nil
	}}
}

func sortingHistory() []datatypes.Message {
	return []datatypes.Message{
		user("How to sort a list in Python?"),
		assistant("Use sorted() or list.sort()."),
		user("What is Quick Sort in Python"),
		assistant("Quick Sort is a divide and conquer algorithm."),
	}
}

type hookRecorder struct {
	mu     sync.Mutex
	stages []string
	errs   []error
}

func (h *hookRecorder) hook(ctx context.Context, stage string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stages = append(h.stages, stage)
	h.errs = append(h.errs, err)
}

type observerRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *observerRecorder) ObserveRetrieval(outcome string, turns, combined int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func assertUniqueFingerprints(t *testing.T, docs []datatypes.SearchResult) {
	t.Helper()
	seen := make(map[string]bool)
	for _, d := range docs {
		fp := Fingerprint(d.Text)
		assert.False(t, seen[fp], "duplicate fingerprint %q", fp)
		seen[fp] = true
	}
}

// =============================================================================
// Happy Path
// =============================================================================

func TestPerformMultiTurnRetrieval_FullPipeline(t *testing.T) {
	r := echoRetriever()
	obs := &observerRecorder{}
	svc := NewService(Options{Observer: obs})

	res := svc.PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), r, nil)
	require.NotNil(t, res)
	assert.False(t, res.Fallback)
	assert.False(t, res.Cancelled)

	assert.Equal(t, baselineDocs(), res.CurrentTurnDocs)
	require.Len(t, res.TurnContexts, 2)
	assert.InDelta(t, 0.8, res.TurnContexts[0].ContextWeight, 1e-12)
	assert.InDelta(t, 1.0, res.TurnContexts[1].ContextWeight, 1e-12)

	require.Len(t, res.HistoricalDocs, 2)
	for i, tc := range res.TurnContexts {
		require.Len(t, tc.RelevantDocs, 1)
		doc := tc.RelevantDocs[0]
		assert.True(t, doc.IsHistorical())
		assert.Equal(t, tc.TurnIndex, doc.Metadata[datatypes.MetaTurnIndex])
		assert.InDelta(t, 0.8*tc.ContextWeight, doc.Score, 1e-12)
		assert.Equal(t, doc.ID, res.HistoricalDocs[i].ID, "historical docs follow turn order")
	}

	assert.Contains(t, res.EntityChain, "quick sort")
	assert.Contains(t, res.TopicChain, "python")
	assert.LessOrEqual(t, len(res.CombinedDocs), datatypes.MaxCombinedDocs)
	assertUniqueFingerprints(t, res.CombinedDocs)
	for i := 1; i < len(res.CombinedDocs); i++ {
		assert.GreaterOrEqual(t, res.CombinedDocs[i-1].Score, res.CombinedDocs[i].Score)
	}

	// 1 baseline + 2 per-turn queries.
	assert.Equal(t, 3, r.queryCount())
	assert.Equal(t, []string{OutcomeOK}, obs.outcomes)
}

func TestPerformMultiTurnRetrieval_EnhancedQueryContents(t *testing.T) {
	r := echoRetriever()
	history := []datatypes.Message{user("Explain the Quick Sort algorithm in Python")}

	res := PerformMultiTurnRetrieval(context.Background(), currentQuery, history, r, nil)
	require.Len(t, res.TurnContexts, 1)

	want := EnhancedQuery(currentQuery, res.TurnContexts[0])
	assert.True(t, strings.HasPrefix(want, currentQuery+" "))
	assert.Contains(t, want, "Quick Sort")
	assert.Contains(t, want, "python")
	assert.Contains(t, r.queries, want)
}

func TestPerformMultiTurnRetrieval_NoHistory(t *testing.T) {
	res := PerformMultiTurnRetrieval(context.Background(), currentQuery, nil, echoRetriever(), nil)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.TurnContexts)
	assert.Empty(t, res.HistoricalDocs)
	assert.Len(t, res.CombinedDocs, 2)
	assert.Equal(t, datatypes.RelevanceMetrics{}, res.RelevanceMetrics)
}

func TestPerformMultiTurnRetrieval_ChainsBounded(t *testing.T) {
	var history []datatypes.Message
	for i := 0; i < 5; i++ {
		history = append(history, user(fmt.Sprintf(
			"Compare Alpha%d Beta and Gamma%d Delta on AWS%d with K8S%d and file%d.go using python docker rust redis kafka",
			i, i, i, i, i)))
	}

	res := PerformMultiTurnRetrieval(context.Background(), currentQuery, history, echoRetriever(), nil)
	assert.LessOrEqual(t, len(res.EntityChain), datatypes.MaxEntityChain)
	assert.LessOrEqual(t, len(res.TopicChain), datatypes.MaxTopicChain)
	assert.NotEmpty(t, res.EntityChain)
	assert.NotEmpty(t, res.TopicChain)
}

func TestPerformMultiTurnRetrieval_Overrides(t *testing.T) {
	turns := 1
	badDecay := 2.0
	res := PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), echoRetriever(),
		&datatypes.ConfigOverrides{MaxTurns: &turns, ContextDecayRate: &badDecay})

	require.Len(t, res.TurnContexts, 1)
	assert.Equal(t, 1.0, res.TurnContexts[0].ContextWeight)
	assert.False(t, res.Fallback)
}

func TestService_WithConfigReplacesBase(t *testing.T) {
	base := NewService(Options{})
	cfg := datatypes.DefaultMultiTurnConfig()
	cfg.MaxTurns = 1
	cfg.ContextDecayRate = 5 // invalid, sanitized back to the default

	svc := base.WithConfig(cfg)
	assert.Equal(t, 1, svc.Config().MaxTurns)
	assert.Equal(t, datatypes.DefaultMultiTurnConfig().ContextDecayRate, svc.Config().ContextDecayRate)
	assert.Equal(t, datatypes.DefaultMultiTurnConfig().MaxTurns, base.Config().MaxTurns)

	res := svc.PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), echoRetriever(), nil)
	assert.Len(t, res.TurnContexts, 1)
}

// =============================================================================
// Failure Semantics
// =============================================================================

func TestPerformMultiTurnRetrieval_RetrieverAlwaysFails(t *testing.T) {
	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		return nil, errors.New("store offline")
	}}
	hooks := &hookRecorder{}
	obs := &observerRecorder{}
	svc := NewService(Options{ErrorHook: hooks.hook, Observer: obs})

	res := svc.PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), r, nil)
	require.NotNil(t, res)
	assert.True(t, res.Fallback)
	assert.Equal(t, res.CurrentTurnDocs, res.CombinedDocs)
	assert.Empty(t, res.HistoricalDocs)
	assert.Empty(t, res.EntityChain)
	assert.Empty(t, res.TopicChain)
	assert.Equal(t, datatypes.RelevanceMetrics{}, res.RelevanceMetrics)

	// Baseline is retried exactly once.
	assert.Equal(t, 2, r.queryCount())
	assert.Equal(t, []string{StageBaseline, StageBaseline}, hooks.stages)
	assert.Equal(t, []string{OutcomeFallback}, obs.outcomes)
}

func TestPerformMultiTurnRetrieval_DegradationLoggedOnce(t *testing.T) {
	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		return nil, errors.New("store offline")
	}}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	NewService(Options{}).PerformMultiTurnRetrieval(context.Background(), currentQuery, nil, r, nil)
	assert.Equal(t, 2, strings.Count(buf.String(), "Multi-turn retrieval degraded to baseline"),
		"one line per absorbed error")

	buf.Reset()
	hooks := &hookRecorder{}
	NewService(Options{ErrorHook: hooks.hook}).PerformMultiTurnRetrieval(context.Background(), currentQuery, nil, r, nil)
	assert.Len(t, hooks.stages, 2)
	assert.NotContains(t, buf.String(), "Multi-turn retrieval degraded to baseline")
}

func TestPerformMultiTurnRetrieval_HistoricalFailureKeepsBaseline(t *testing.T) {
	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		if query == currentQuery {
			return baselineDocs(), nil
		}
		return nil, errors.New("per-turn query failed")
	}}
	hooks := &hookRecorder{}
	svc := NewService(Options{ErrorHook: hooks.hook})

	res := svc.PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), r, nil)
	assert.True(t, res.Fallback)
	assert.Equal(t, baselineDocs(), res.CurrentTurnDocs)
	assert.Equal(t, baselineDocs(), res.CombinedDocs, "order and content unchanged")
	assert.Empty(t, res.TurnContexts)
	assert.Equal(t, datatypes.RelevanceMetrics{}, res.RelevanceMetrics)
	require.NotEmpty(t, hooks.stages)
	assert.Equal(t, StageHistorical, hooks.stages[0])
}

func TestPerformMultiTurnRetrieval_PanickingRetriever(t *testing.T) {
	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		if query == currentQuery {
			return baselineDocs(), nil
		}
		panic("boom")
	}}

	var res *datatypes.MultiTurnResults
	require.NotPanics(t, func() {
		res = PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), r, nil)
	})
	assert.True(t, res.Fallback)
	assert.Equal(t, baselineDocs(), res.CombinedDocs)
}

func TestPerformMultiTurnRetrieval_PanickingExtractor(t *testing.T) {
	svc := NewService(Options{Extractor: panicExtractor{}})

	var res *datatypes.MultiTurnResults
	require.NotPanics(t, func() {
		res = svc.PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), echoRetriever(), nil)
	})
	assert.True(t, res.Fallback)
	assert.Equal(t, baselineDocs(), res.CombinedDocs)
}

type panicExtractor struct{}

func (panicExtractor) ExtractEntities(string) []string { panic("extractor bug") }
func (panicExtractor) ExtractTopics(string) []string   { return nil }

func TestPerformMultiTurnRetrieval_NilRetriever(t *testing.T) {
	res := PerformMultiTurnRetrieval(context.Background(), currentQuery, sortingHistory(), nil, nil)
	require.NotNil(t, res)
	assert.True(t, res.Fallback)
	assert.NotNil(t, res.CombinedDocs)
	assert.Empty(t, res.CombinedDocs)
}

// =============================================================================
// Concurrency and Cancellation
// =============================================================================

func TestPerformMultiTurnRetrieval_ConcurrencyDoesNotChangeOutput(t *testing.T) {
	var history []datatypes.Message
	for i := 0; i < 8; i++ {
		history = append(history,
			user(fmt.Sprintf("Question %d about Python Sorting and Redis Caching", i)),
			assistant(fmt.Sprintf("Answer %d", i)))
	}

	slowEcho := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		// Later turns finish first.
		time.Sleep(time.Duration(10-len(query)%10) * time.Millisecond)
		if query == currentQuery {
			return baselineDocs(), nil
		}
		return []datatypes.SearchResult{
			{ID: "h-" + query, Text: "match for " + query, Score: 0.5},
			{ID: "shared-" + query, Text: "Quick Sort has average complexity n log n", Score: 0.4},
		}, nil
	}}

	run := func(concurrency int) string {
		maxTurns := 8
		res := PerformMultiTurnRetrieval(context.Background(), currentQuery, history, slowEcho,
			&datatypes.ConfigOverrides{MaxConcurrency: &concurrency, MaxTurns: &maxTurns})
		require.False(t, res.Fallback)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		return string(b)
	}

	sequential := run(1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, sequential, run(8))
	}
}

func TestPerformMultiTurnRetrieval_CancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		if query == currentQuery {
			return baselineDocs(), nil
		}
		once.Do(cancel)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	obs := &observerRecorder{}
	svc := NewService(Options{Observer: obs})

	done := make(chan *datatypes.MultiTurnResults, 1)
	go func() {
		done <- svc.PerformMultiTurnRetrieval(ctx, currentQuery, sortingHistory(), r, nil)
	}()

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.False(t, res.Fallback)
		assert.Equal(t, baselineDocs(), res.CurrentTurnDocs)
		assert.Len(t, res.CombinedDocs, 2, "best-so-far fusion of the baseline")
		assert.Empty(t, res.HistoricalDocs)
		assert.Equal(t, []string{OutcomeCancelled}, obs.outcomes)
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval did not return after cancellation")
	}
}

func TestPerformMultiTurnRetrieval_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &funcRetriever{fn: func(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
		return nil, ctx.Err()
	}}

	res := PerformMultiTurnRetrieval(ctx, currentQuery, sortingHistory(), r, nil)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.CombinedDocs)
	assert.Equal(t, 1, r.queryCount())
}

// =============================================================================
// End to end over an in-process store
// =============================================================================

func TestPerformMultiTurnRetrieval_WithBleveStore(t *testing.T) {
	store, err := vectorstore.NewBleveStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Index(ctx, vectorstore.CorpusDocuments, []vectorstore.Document{
		{ID: "qs", Text: "Quick Sort in Python picks a pivot and partitions the list around it."},
		{ID: "ms", Text: "Merge Sort in Python splits the list and merges sorted halves."},
		{ID: "k8s", Text: "Kubernetes schedules containers onto nodes."},
	})
	require.NoError(t, err)
	_, err = store.Index(ctx, vectorstore.CorpusConversations, []vectorstore.Document{
		{ID: "c1", Text: "User: is quick sort stable?\nAI: No, quick sort is not stable."},
	})
	require.NoError(t, err)

	r := retriever.New(store, retriever.Options{TopK: 5})
	res := PerformMultiTurnRetrieval(ctx, "how fast is quick sort", sortingHistory(), r, nil)

	require.False(t, res.Fallback)
	require.NotEmpty(t, res.CombinedDocs)
	assertUniqueFingerprints(t, res.CombinedDocs)
	assert.Equal(t, "qs", res.CombinedDocs[0].ID)
	assert.NotEmpty(t, res.HistoricalDocs)
	assert.Greater(t, res.RelevanceMetrics.TopicContinuity, 0.0)
}
