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

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Weaviate returns map[string]models.JSONObject; this marshals the data and
// unmarshals it into a struct whose json tags match the expected shape.
// GraphQL-level errors are surfaced as a Go error.
//
// # Inputs
//
//   - resp: The response from the client's Do() method.
//
// # Outputs
//
//   - *T: The parsed struct.
//   - error: Non-nil if resp is nil, carries GraphQL errors, or fails to parse.
//
// # Limitations
//
//   - Type mismatches yield zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Response Shapes
// =============================================================================

// AdditionalFields is the _additional block requested on every search.
type AdditionalFields struct {
	ID        string   `json:"id"`
	Distance  *float32 `json:"distance"`
	Certainty *float32 `json:"certainty"`
}

// Score returns certainty when present, otherwise 1 - distance, otherwise 0.
func (a AdditionalFields) Score() float64 {
	if a.Certainty != nil {
		return float64(*a.Certainty)
	}
	if a.Distance != nil {
		return 1 - float64(*a.Distance)
	}
	return 0
}

// DocumentResult is a single object of the document class.
type DocumentResult struct {
	Content    string           `json:"content"`
	Source     string           `json:"source"`
	DataSpace  string           `json:"data_space"`
	Additional AdditionalFields `json:"_additional"`
}

// ConversationResult is a single stored exchange of the conversation class.
type ConversationResult struct {
	SessionID  string           `json:"session_id"`
	Question   string           `json:"question"`
	Answer     string           `json:"answer"`
	Timestamp  int64            `json:"timestamp"`
	TurnNumber *int             `json:"turn_number"`
	Additional AdditionalFields `json:"_additional"`
}

// ClassQueryResponse is the Get response for a single, dynamically named
// class. Weaviate keys the result list by class name.
type ClassQueryResponse[T any] struct {
	Get map[string][]T `json:"Get"`
}

// Objects returns the objects for className, or nil when absent.
func (r *ClassQueryResponse[T]) Objects(className string) []T {
	if r == nil || r.Get == nil {
		return nil
	}
	return r.Get[className]
}

// FormatExchange renders a stored exchange the same way memory chunks are
// written: "User: <question>\nAI: <answer>".
func FormatExchange(question, answer string) string {
	if answer == "" {
		return "User: " + question
	}
	return "User: " + question + "\nAI: " + answer
}
