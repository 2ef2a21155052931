// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the plain data shapes shared by the recall
// service: search results, conversation messages, per-turn context, the
// multi-turn configuration and the result bundles handed to callers.
//
// # Description
//
// Every type here is serializable with encoding/json so that an orchestrator
// can forward results to a UI, a log or the result journal without importing
// the retrieval packages.
//
// # Thread Safety
//
// Types are plain values. A SearchResult returned by a store is treated as
// immutable; stages that need to re-tag metadata work on a copy obtained from
// WithMetadata.
package datatypes

// Metadata keys written by the retrieval pipeline.
const (
	// MetaCorpus is set by the retriever to the corpus a result came from.
	MetaCorpus = "corpus"

	// MetaSource carries the document source (file name, URL) when known.
	MetaSource = "source"

	// MetaTurnIndex is the index of the historical turn that produced a result.
	MetaTurnIndex = "turn_index"

	// MetaContextWeight is the decayed weight of that turn.
	MetaContextWeight = "context_weight"

	// MetaIsHistorical marks results found by a per-turn re-query.
	MetaIsHistorical = "is_historical"

	// MetaOriginalScore is the score before reranking.
	MetaOriginalScore = "original_score"

	// MetaBoost is the total multiplicative boost applied during reranking.
	MetaBoost = "boost"

	// MetaEntityMatches is the number of entity chain terms found in the text.
	MetaEntityMatches = "entity_matches"

	// MetaTopicMatches is the number of topic chain terms found in the text.
	MetaTopicMatches = "topic_matches"
)

// SearchResult is a single candidate returned by a vector store search.
//
// # Description
//
// Score is a relevance estimate. Weaviate certainty lands in [0,1]; other
// stores may produce unbounded values, so callers must only rely on ordering.
//
// # Example
//
//	r := SearchResult{ID: "doc-1", Text: "Quick Sort in Python", Score: 0.82}
type SearchResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// WithMetadata returns a copy of r whose metadata map is a fresh copy of the
// original with kv merged in. The receiver is not modified.
func (r SearchResult) WithMetadata(kv map[string]any) SearchResult {
	merged := make(map[string]any, len(r.Metadata)+len(kv))
	for k, v := range r.Metadata {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	r.Metadata = merged
	return r
}

// IsHistorical reports whether the result was produced by a per-turn re-query.
func (r SearchResult) IsHistorical() bool {
	v, ok := r.Metadata[MetaIsHistorical].(bool)
	return ok && v
}

// MetaFloat reads a numeric metadata value. JSON round-trips turn numbers
// into float64, so both int and float forms are accepted.
func (r SearchResult) MetaFloat(key string) (float64, bool) {
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// CloneResults copies a result slice. Metadata maps are shared, which is safe
// because pipeline stages never write into a map they did not allocate.
func CloneResults(in []SearchResult) []SearchResult {
	if in == nil {
		return []SearchResult{}
	}
	out := make([]SearchResult, len(in))
	copy(out, in)
	return out
}
