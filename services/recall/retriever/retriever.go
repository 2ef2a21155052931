// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever presents one ranked retrieval surface over the document
// corpus and the conversation corpus of a vector store.
//
// # Description
//
// VectorStoreRetriever splits its topK budget between reference documents
// (70%) and prior conversation exchanges (30%), queries both corpora
// concurrently and merges them into one list ordered by score. Store failures
// never reach the caller: the failing corpus contributes no results and the
// error is reported to an optional ErrorHook.
//
// # Thread Safety
//
// VectorStoreRetriever has no mutable state and is safe for concurrent use.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.recall.retriever")

// DefaultTopK is the candidate budget used when none is configured.
const DefaultTopK = 10

// documentShare is the fraction of topK allocated to the document corpus.
const documentShare = 0.7

// ErrorHook receives errors that were swallowed to keep retrieval available.
// stage names the step that failed, for example "documents" or "baseline".
type ErrorHook func(ctx context.Context, stage string, err error)

// Options configures a VectorStoreRetriever.
//
// # Fields
//
//   - TopK: Total candidates returned per query. Default: 10
//   - SessionID: Restricts the conversation corpus to one session when set.
//   - Attributes: Exact-match filters applied to both corpora.
//   - ErrorHook: Receives swallowed store errors. Optional.
type Options struct {
	TopK       int
	SessionID  string
	Attributes map[string]string
	ErrorHook  ErrorHook
}

// VectorStoreRetriever blends document and conversation search results.
//
// # Description
//
// Every call issues at most two store searches, one per corpus. The
// conversation corpus is skipped when the 30% share rounds down to zero.
//
// # Example
//
//	r := retriever.New(store, retriever.Options{TopK: 10, SessionID: "sess_1"})
//	docs, err := r.GetRelevantDocuments(ctx, "how does quick sort work")
//
// # Limitations
//
//   - An empty result is ambiguous between "no matches" and "search failed".
//     Install an ErrorHook to tell them apart.
type VectorStoreRetriever struct {
	store   vectorstore.Store
	topK    int
	filters vectorstore.Filters
	hook    ErrorHook
}

// New creates a retriever over store.
func New(store vectorstore.Store, opts Options) *VectorStoreRetriever {
	topK := opts.TopK
	if topK < 1 {
		topK = DefaultTopK
	}
	return &VectorStoreRetriever{
		store: store,
		topK:  topK,
		filters: vectorstore.Filters{
			SessionID:  opts.SessionID,
			Attributes: opts.Attributes,
		},
		hook: opts.ErrorHook,
	}
}

// TopK returns the configured candidate budget.
func (r *VectorStoreRetriever) TopK() int {
	return r.topK
}

// SplitTopK divides topK into document and conversation slots.
//
// # Description
//
// The document share is floor(0.7*topK) with a minimum of one slot; the
// conversation corpus gets the remainder, which may be zero.
//
// # Example
//
//	SplitTopK(10) // 7, 3
//	SplitTopK(1)  // 1, 0
func SplitTopK(topK int) (docK, convK int) {
	if topK < 1 {
		return 0, 0
	}
	docK = int(math.Floor(float64(topK) * documentShare))
	if docK < 1 {
		docK = 1
	}
	return docK, topK - docK
}

// GetRelevantDocuments returns up to TopK results drawn from both corpora.
//
// # Description
//
// Both corpora are searched concurrently. Results are concatenated with
// documents first, stably sorted by score descending and truncated, so equal
// scores keep documents ahead of conversation matches.
//
// # Inputs
//
//   - ctx: Cancels outstanding store calls.
//   - query: Search text.
//
// # Outputs
//
//   - []datatypes.SearchResult: Merged results, never nil.
//   - error: Non-nil only when ctx ended before both searches completed.
func (r *VectorStoreRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "VectorStoreRetriever.GetRelevantDocuments")
	defer span.End()

	docK, convK := SplitTopK(r.topK)
	span.SetAttributes(attribute.Int("doc_k", docK), attribute.Int("conv_k", convK))

	var docs, convs []datatypes.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs = r.search(gctx, vectorstore.CorpusDocuments, query, docK)
		return nil
	})
	if convK > 0 {
		g.Go(func() error {
			convs = r.search(gctx, vectorstore.CorpusConversations, query, convK)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return []datatypes.SearchResult{}, err
	}

	merged := mergeByScore(r.topK, docs, convs)
	span.SetAttributes(attribute.Int("results", len(merged)))
	return merged, nil
}

// GetDocumentResults searches only the document corpus with the full topK.
func (r *VectorStoreRetriever) GetDocumentResults(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	results := r.search(ctx, vectorstore.CorpusDocuments, query, r.topK)
	if err := ctx.Err(); err != nil {
		return []datatypes.SearchResult{}, err
	}
	return results, nil
}

// GetConversationResults searches only the conversation corpus with the full topK.
func (r *VectorStoreRetriever) GetConversationResults(ctx context.Context, query string) ([]datatypes.SearchResult, error) {
	results := r.search(ctx, vectorstore.CorpusConversations, query, r.topK)
	if err := ctx.Err(); err != nil {
		return []datatypes.SearchResult{}, err
	}
	return results, nil
}

// search queries one corpus and converts any failure into an empty slice.
// Every returned result carries its corpus in metadata.
func (r *VectorStoreRetriever) search(ctx context.Context, corpus vectorstore.Corpus, query string, k int) []datatypes.SearchResult {
	if k < 1 {
		return []datatypes.SearchResult{}
	}

	f := r.filters
	f.TopK = k
	if corpus == vectorstore.CorpusDocuments {
		f.SessionID = ""
	}

	results, err := r.store.Search(ctx, corpus, query, f)
	if err != nil {
		r.report(ctx, string(corpus), fmt.Errorf("search %s: %w", corpus, err))
		return []datatypes.SearchResult{}
	}

	out := make([]datatypes.SearchResult, 0, len(results))
	for _, res := range results {
		if res.Metadata[datatypes.MetaCorpus] != string(corpus) {
			res = res.WithMetadata(map[string]any{datatypes.MetaCorpus: string(corpus)})
		}
		out = append(out, res)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (r *VectorStoreRetriever) report(ctx context.Context, stage string, err error) {
	if ctx.Err() != nil {
		// Cancellation is surfaced to the caller, not reported as a failure.
		return
	}
	if r.hook != nil {
		r.hook(ctx, stage, err)
		return
	}
	slog.Warn("Vector store search failed, continuing without it", "stage", stage, "error", err)
}

// mergeByScore concatenates the groups in order, stably sorts by score
// descending and truncates to limit.
func mergeByScore(limit int, groups ...[]datatypes.SearchResult) []datatypes.SearchResult {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	merged := make([]datatypes.SearchResult, 0, total)
	for _, g := range groups {
		merged = append(merged, g...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
