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
	"context"
	"iter"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

// GetRelevantDocumentsIncremental returns a phased, single-pass sequence.
//
// # Description
//
// The sequence yields exactly three events: documents (after the document
// search), conversations (after the conversation search) and complete (the
// merged, sorted and truncated list). Progress is 0, 1 and 2; Total is
// always 2. Store calls happen lazily while the caller ranges over the
// sequence.
//
// # Inputs
//
//   - ctx: Passed to every store call. When ctx ends between phases, the
//     sequence stops without yielding the remaining events.
//   - query: Search text.
//
// # Outputs
//
//   - iter.Seq[datatypes.IncrementalResult]: The phase events.
//
// # Example
//
//	for ev := range r.GetRelevantDocumentsIncremental(ctx, "quick sort") {
//	    render(ev.Type, ev.Results)
//	}
//
// # Limitations
//
//   - The two searches run one after the other so partial results can be
//     rendered early. Use GetRelevantDocuments when only the final list
//     matters.
//   - Breaking out of the loop stops further store calls; the search that is
//     already running finishes or is cancelled through ctx.
func (r *VectorStoreRetriever) GetRelevantDocumentsIncremental(ctx context.Context, query string) iter.Seq[datatypes.IncrementalResult] {
	return func(yield func(datatypes.IncrementalResult) bool) {
		ctx, span := tracer.Start(ctx, "VectorStoreRetriever.GetRelevantDocumentsIncremental")
		defer span.End()

		docK, convK := SplitTopK(r.topK)

		docs := r.search(ctx, vectorstore.CorpusDocuments, query, docK)
		if ctx.Err() != nil {
			return
		}
		if !yield(datatypes.IncrementalResult{
			Type:     datatypes.PhaseDocuments,
			Results:  datatypes.CloneResults(docs),
			Progress: 0,
			Total:    datatypes.IncrementalTotal,
		}) {
			return
		}

		convs := r.search(ctx, vectorstore.CorpusConversations, query, convK)
		if ctx.Err() != nil {
			return
		}
		if !yield(datatypes.IncrementalResult{
			Type:     datatypes.PhaseConversations,
			Results:  datatypes.CloneResults(convs),
			Progress: 1,
			Total:    datatypes.IncrementalTotal,
		}) {
			return
		}

		yield(datatypes.IncrementalResult{
			Type:     datatypes.PhaseComplete,
			Results:  mergeByScore(r.topK, docs, convs),
			Progress: datatypes.IncrementalTotal,
			Total:    datatypes.IncrementalTotal,
		})
	}
}
