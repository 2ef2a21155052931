// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// RelevanceMetrics summarises how much the conversation history contributed.
//
// # Fields
//
//   - EntityOverlap: (mentions - unique) / mentions over all retained turns.
//   - TopicContinuity: Same formula over topics.
//   - ContextualRelevance: clamp((mean historical boost - 1) * 2, 0, 1).
type RelevanceMetrics struct {
	EntityOverlap       float64 `json:"entity_overlap"`
	TopicContinuity     float64 `json:"topic_continuity"`
	ContextualRelevance float64 `json:"contextual_relevance"`
}

// MultiTurnResults is the bundle returned by one multi-turn retrieval call.
//
// # Description
//
// Produced once per call and read-only afterwards. Fallback is set when the
// pipeline degraded to baseline retrieval; Cancelled is set when the caller's
// context ended before every per-turn query finished, in which case
// CombinedDocs holds the best-so-far fusion.
type MultiTurnResults struct {
	CurrentTurnDocs  []SearchResult   `json:"current_turn_docs"`
	HistoricalDocs   []SearchResult   `json:"historical_docs"`
	CombinedDocs     []SearchResult   `json:"combined_docs"`
	TurnContexts     []TurnContext    `json:"turn_contexts"`
	EntityChain      []string         `json:"entity_chain"`
	TopicChain       []string         `json:"topic_chain"`
	RelevanceMetrics RelevanceMetrics `json:"relevance_metrics"`
	Fallback         bool             `json:"fallback,omitempty"`
	Cancelled        bool             `json:"cancelled,omitempty"`
}

// NewFallbackResults builds the degraded bundle: baseline documents only,
// empty history fields and zeroed metrics.
func NewFallbackResults(current []SearchResult) *MultiTurnResults {
	current = CloneResults(current)
	return &MultiTurnResults{
		CurrentTurnDocs: current,
		HistoricalDocs:  []SearchResult{},
		CombinedDocs:    CloneResults(current),
		TurnContexts:    []TurnContext{},
		EntityChain:     []string{},
		TopicChain:      []string{},
		Fallback:        true,
	}
}

// PhaseType names a step of the incremental retrieval sequence.
type PhaseType string

const (
	PhaseDocuments     PhaseType = "documents"
	PhaseConversations PhaseType = "conversations"
	PhaseComplete      PhaseType = "complete"
)

// IncrementalTotal is the final Progress value of an incremental sequence.
const IncrementalTotal = 2

// IncrementalResult is one event of the phased retrieval sequence.
//
// # Description
//
// Exactly three events are produced per query, in the order documents,
// conversations, complete. Progress is the zero-based phase index and
// reaches Total on the complete event.
type IncrementalResult struct {
	Type     PhaseType      `json:"type"`
	Results  []SearchResult `json:"results"`
	Progress int            `json:"progress"`
	Total    int            `json:"total"`
}
