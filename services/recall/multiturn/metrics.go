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
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// ComputeRelevanceMetrics measures how much the history contributed.
//
// # Description
//
//   - EntityOverlap = (mentions - unique) / mentions over every retained
//     turn's entities, compared case-insensitively. 0 when there are none.
//   - TopicContinuity uses the same formula over topics.
//   - ContextualRelevance = clamp((mean boost - 1) * 2, 0, 1), where the mean
//     is taken over historical results in combined. 0 when there are none.
func ComputeRelevanceMetrics(turns []datatypes.TurnContext, combined []datatypes.SearchResult) datatypes.RelevanceMetrics {
	var entities, topics [][]string
	for _, t := range turns {
		entities = append(entities, t.ExtractedEntities)
		topics = append(topics, t.KeyTopics)
	}

	return datatypes.RelevanceMetrics{
		EntityOverlap:       repetitionRatio(entities),
		TopicContinuity:     repetitionRatio(topics),
		ContextualRelevance: contextualRelevance(combined),
	}
}

func repetitionRatio(groups [][]string) float64 {
	total := 0
	unique := make(map[string]struct{})
	for _, g := range groups {
		for _, term := range g {
			total++
			unique[strings.ToLower(term)] = struct{}{}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(total-len(unique)) / float64(total)
}

func contextualRelevance(combined []datatypes.SearchResult) float64 {
	sum, n := 0.0, 0
	for _, r := range combined {
		if !r.IsHistorical() {
			continue
		}
		boost, ok := r.MetaFloat(datatypes.MetaBoost)
		if !ok {
			continue
		}
		sum += boost
		n++
	}
	if n == 0 {
		return 0
	}
	v := (sum/float64(n) - 1) * 2
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
