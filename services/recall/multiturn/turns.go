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
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// Turn is one user message and the assistant reply paired with it.
type Turn struct {
	// Index is the position of the user message among all user messages.
	Index int

	User      string
	Assistant string
}

// PairTurns pairs user messages with assistant replies.
//
// # Description
//
// With PairingPositional the i-th user message is paired with the i-th
// assistant message after filtering each role separately. Two user messages
// in a row therefore shift every later pairing by one; this matches how
// history has always been paired and stays the default.
//
// With PairingAdjacent a user message is paired with the next user or
// assistant message only if that message is an assistant reply. An
// unanswered user message gets an empty reply.
//
// Messages with any other role are ignored by both strategies.
//
// # Inputs
//
//   - history: Conversation messages, oldest first.
//   - strategy: Pairing strategy. Unknown values behave as positional.
//
// # Outputs
//
//   - []Turn: One entry per user message, oldest first.
//
// # Example
//
//	history := []datatypes.Message{
//	    {Role: "user", Content: "a"}, {Role: "user", Content: "b"},
//	    {Role: "assistant", Content: "B"},
//	}
//	PairTurns(history, datatypes.PairingPositional) // a/B, b/""
//	PairTurns(history, datatypes.PairingAdjacent)   // a/"", b/B
func PairTurns(history []datatypes.Message, strategy datatypes.PairingStrategy) []Turn {
	if strategy == datatypes.PairingAdjacent {
		return pairAdjacent(history)
	}
	return pairPositional(history)
}

func pairPositional(history []datatypes.Message) []Turn {
	var users, assistants []string
	for _, m := range history {
		switch m.Role {
		case datatypes.RoleUser:
			users = append(users, m.Content)
		case datatypes.RoleAssistant:
			assistants = append(assistants, m.Content)
		}
	}

	turns := make([]Turn, len(users))
	for i, u := range users {
		turns[i] = Turn{Index: i, User: u}
		if i < len(assistants) {
			turns[i].Assistant = assistants[i]
		}
	}
	return turns
}

func pairAdjacent(history []datatypes.Message) []Turn {
	var conversational []datatypes.Message
	for _, m := range history {
		if m.Role == datatypes.RoleUser || m.Role == datatypes.RoleAssistant {
			conversational = append(conversational, m)
		}
	}

	turns := make([]Turn, 0, len(conversational))
	for i, m := range conversational {
		if m.Role != datatypes.RoleUser {
			continue
		}
		t := Turn{Index: len(turns), User: m.Content}
		if i+1 < len(conversational) && conversational[i+1].Role == datatypes.RoleAssistant {
			t.Assistant = conversational[i+1].Content
		}
		turns = append(turns, t)
	}
	return turns
}

// ContextWeight returns decayRate^distance. Distance 0 is the most recent
// prior turn and always weighs 1.
func ContextWeight(decayRate float64, distance int) float64 {
	if distance <= 0 {
		return 1
	}
	return math.Pow(decayRate, float64(distance))
}

// BuildTurnContexts turns history into weighted per-turn context.
//
// # Description
//
// Keeps the last cfg.MaxTurns user turns, weights each by its distance from
// the current query and drops turns whose weight falls below
// cfg.MinContextWeight. Entities and topics are extracted from the user and
// assistant text when the matching config flag is set.
//
// # Outputs
//
//   - []datatypes.TurnContext: Retained turns, oldest first. Never nil.
//
// # Example
//
//	// three prior turns, MaxTurns=2, decay 0.8
//	ctxs := BuildTurnContexts(history, cfg, NewHeuristicExtractor())
//	// ctxs[0].ContextWeight == 0.8, ctxs[1].ContextWeight == 1.0
func BuildTurnContexts(history []datatypes.Message, cfg datatypes.MultiTurnConfig, extractor Extractor) []datatypes.TurnContext {
	turns := PairTurns(history, cfg.PairingStrategy)
	if cfg.MaxTurns > 0 && len(turns) > cfg.MaxTurns {
		turns = turns[len(turns)-cfg.MaxTurns:]
	}

	contexts := make([]datatypes.TurnContext, 0, len(turns))
	for i, t := range turns {
		distance := len(turns) - 1 - i
		weight := ContextWeight(cfg.ContextDecayRate, distance)
		if weight < cfg.MinContextWeight {
			continue
		}

		tc := datatypes.TurnContext{
			TurnIndex:         t.Index,
			UserMessage:       t.User,
			AssistantMessage:  t.Assistant,
			RelevantDocs:      []datatypes.SearchResult{},
			ExtractedEntities: []string{},
			KeyTopics:         []string{},
			ContextWeight:     weight,
		}
		if extractor != nil {
			text := tc.Text()
			if cfg.EntityExtractionEnabled {
				tc.ExtractedEntities = nonNil(extractor.ExtractEntities(text))
			}
			if cfg.TopicTrackingEnabled {
				tc.KeyTopics = nonNil(extractor.ExtractTopics(text))
			}
		}
		contexts = append(contexts, tc)
	}
	return contexts
}

// maxUserSnippetRunes bounds how much of a turn's user message is appended
// to its enhanced query.
const maxUserSnippetRunes = 100

// EnhancedQuery builds the per-turn re-query: the current query, the turn's
// entities and topics, and the first 100 characters of its user message,
// joined by single spaces.
func EnhancedQuery(query string, turn datatypes.TurnContext) string {
	parts := make([]string, 0, 2+len(turn.ExtractedEntities)+len(turn.KeyTopics))
	parts = append(parts, query)
	parts = append(parts, turn.ExtractedEntities...)
	parts = append(parts, turn.KeyTopics...)
	parts = append(parts, truncateRunes(turn.UserMessage, maxUserSnippetRunes))

	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// weightHistorical scales every score by the turn's weight and tags the
// results as historical. Inputs are not modified.
func weightHistorical(docs []datatypes.SearchResult, turn datatypes.TurnContext) []datatypes.SearchResult {
	out := make([]datatypes.SearchResult, 0, len(docs))
	for _, d := range docs {
		tagged := d.WithMetadata(map[string]any{
			datatypes.MetaTurnIndex:     turn.TurnIndex,
			datatypes.MetaContextWeight: turn.ContextWeight,
			datatypes.MetaIsHistorical:  true,
		})
		tagged.Score = d.Score * turn.ContextWeight
		out = append(out, tagged)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
