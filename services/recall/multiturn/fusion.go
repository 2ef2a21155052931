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
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// =============================================================================
// Fingerprints
// =============================================================================

const (
	fingerprintMinRunes  = 50
	fingerprintEdgeRunes = 25
)

// Fingerprint returns the deduplication key for a result text.
//
// # Description
//
// The text is lowercased and runs of whitespace collapse to one space. Texts
// of 50 or more characters are keyed by their first 25 and last 25
// characters joined with "..."; shorter texts are keyed by the whole
// normalized string.
//
// # Limitations
//
//   - Long texts that share both edges but differ in the middle collide.
func Fingerprint(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	r := []rune(normalized)
	if len(r) < fingerprintMinRunes {
		return normalized
	}
	return string(r[:fingerprintEdgeRunes]) + "..." + string(r[len(r)-fingerprintEdgeRunes:])
}

// Deduplicate keeps the first result for each fingerprint, preserving order.
func Deduplicate(results []datatypes.SearchResult) []datatypes.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]datatypes.SearchResult, 0, len(results))
	for _, r := range results {
		fp := Fingerprint(r.Text)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Chains
// =============================================================================

// AggregateChains ranks entities and topics across turns.
//
// # Description
//
// Each occurrence of an entity or topic in a turn adds that turn's
// ContextWeight to the lowercased term. Terms are sorted by accumulated
// weight, descending; equal weights keep first-seen order. The entity chain
// is capped at 10 terms and the topic chain at 8.
func AggregateChains(turns []datatypes.TurnContext) (entityChain, topicChain []string) {
	entities := newWeightedCounter()
	topics := newWeightedCounter()
	for _, t := range turns {
		for _, e := range t.ExtractedEntities {
			entities.add(e, t.ContextWeight)
		}
		for _, tp := range t.KeyTopics {
			topics.add(tp, t.ContextWeight)
		}
	}
	return entities.top(datatypes.MaxEntityChain), topics.top(datatypes.MaxTopicChain)
}

type weightedCounter struct {
	order   []string
	weights map[string]float64
}

func newWeightedCounter() *weightedCounter {
	return &weightedCounter{weights: make(map[string]float64)}
}

func (c *weightedCounter) add(term string, weight float64) {
	key := strings.ToLower(strings.TrimSpace(term))
	if key == "" {
		return
	}
	if _, ok := c.weights[key]; !ok {
		c.order = append(c.order, key)
	}
	c.weights[key] += weight
}

func (c *weightedCounter) top(n int) []string {
	ranked := make([]string, len(c.order))
	copy(ranked, c.order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return c.weights[ranked[i]] > c.weights[ranked[j]]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// =============================================================================
// Fuse and rerank
// =============================================================================

// FuseAndRerank merges current and historical candidates into one ranked list.
//
// # Description
//
// Candidates are concatenated (current first) and deduplicated by
// Fingerprint. Each survivor is scored as base * boost, where
//
//	boost = entityBoost^(entity chain terms in text)
//	      * topicBoost^(topic chain terms in text)
//	      * (context weight, historical results only)
//
// Matching is a case-insensitive substring test. base is the
// "original_score" metadata value when a previous pass recorded one,
// otherwise the incoming score, so running the step again on its own output
// reproduces the same scores and order. The list is stably sorted by score,
// descending, and truncated to 15.
//
// # Inputs
//
//   - current: Baseline results for the current query.
//   - historical: Weighted per-turn results.
//   - entityChain, topicChain: Lowercase terms from AggregateChains.
//   - cfg: Supplies the boost factors.
//
// # Outputs
//
//   - []datatypes.SearchResult: Reranked copies; inputs are not modified.
//
// # Example
//
//	// "Quick Sort in Python" with chains ["python"] and ["sort"]
//	// boost = 1.3 * 1.2 = 1.56
func FuseAndRerank(current, historical []datatypes.SearchResult, entityChain, topicChain []string, cfg datatypes.MultiTurnConfig) []datatypes.SearchResult {
	candidates := make([]datatypes.SearchResult, 0, len(current)+len(historical))
	candidates = append(candidates, current...)
	candidates = append(candidates, historical...)
	candidates = Deduplicate(candidates)

	entities := lowerAll(entityChain)
	topics := lowerAll(topicChain)

	reranked := make([]datatypes.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		base := c.Score
		if orig, ok := c.MetaFloat(datatypes.MetaOriginalScore); ok {
			base = orig
		}

		lower := strings.ToLower(c.Text)
		entityHits := countContained(lower, entities)
		topicHits := countContained(lower, topics)

		boost := math.Pow(cfg.EntityBoostFactor, float64(entityHits)) *
			math.Pow(cfg.TopicBoostFactor, float64(topicHits))
		if c.IsHistorical() {
			if w, ok := c.MetaFloat(datatypes.MetaContextWeight); ok {
				boost *= w
			}
		}

		scored := c.WithMetadata(map[string]any{
			datatypes.MetaOriginalScore: base,
			datatypes.MetaBoost:         boost,
			datatypes.MetaEntityMatches: entityHits,
			datatypes.MetaTopicMatches:  topicHits,
		})
		scored.Score = base * boost
		reranked = append(reranked, scored)
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	if len(reranked) > datatypes.MaxCombinedDocs {
		reranked = reranked[:datatypes.MaxCombinedDocs]
	}
	return reranked
}

func countContained(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			n++
		}
	}
	return n
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
