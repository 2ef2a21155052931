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

// Conversation roles understood by the turn builder. Any other role
// (system, tool) is ignored when pairing turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history supplied by the caller.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system tool"`
	Content string `json:"content" validate:"maxbytes"`
}

// TurnContext is the weighted view of one prior user turn.
//
// # Description
//
// A TurnContext is built fresh for every retrieval call and owned by it.
// RelevantDocs is filled by the historical re-query stage of the same call.
//
// # Fields
//
//   - TurnIndex: Position of the user message among all user messages.
//   - UserMessage: The user's text for this turn.
//   - AssistantMessage: The paired assistant reply, empty when none.
//   - RelevantDocs: Results of the per-turn re-query, already weighted.
//   - ExtractedEntities: Entities found in the turn (user + assistant text).
//   - KeyTopics: Topics found in the turn.
//   - ContextWeight: decayRate^distance, where distance 0 is the latest turn.
type TurnContext struct {
	TurnIndex         int            `json:"turn_index"`
	UserMessage       string         `json:"user_message"`
	AssistantMessage  string         `json:"assistant_message,omitempty"`
	RelevantDocs      []SearchResult `json:"relevant_docs"`
	ExtractedEntities []string       `json:"extracted_entities"`
	KeyTopics         []string       `json:"key_topics"`
	ContextWeight     float64        `json:"context_weight"`
}

// Text returns the user message followed by the assistant reply, if any.
func (t TurnContext) Text() string {
	if t.AssistantMessage == "" {
		return t.UserMessage
	}
	return t.UserMessage + "\n" + t.AssistantMessage
}
