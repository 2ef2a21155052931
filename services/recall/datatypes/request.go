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
	"time"

	"github.com/google/uuid"
)

// MultiTurnRequest is the HTTP body for a multi-turn retrieval call.
//
// # Validation Rules
//
//   - RequestID: optional, must be a UUID v4 when present
//   - Query: required, at most MaxQueryBytes
//   - History: at most MaxHistoryMessages, each message validated
type MultiTurnRequest struct {
	RequestID string           `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	SessionID string           `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Query     string           `json:"query" validate:"required,max=8192"`
	History   []Message        `json:"history,omitempty" validate:"max=200,dive"`
	Config    *ConfigOverrides `json:"config,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

// Validate runs the struct validation rules.
func (r *MultiTurnRequest) Validate() error {
	return validate.Struct(r)
}

// EnsureDefaults fills in a request ID and timestamp when absent.
func (r *MultiTurnRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// MultiTurnResponse wraps a results bundle for transport and the journal.
type MultiTurnResponse struct {
	RequestID        string            `json:"request_id"`
	SessionID        string            `json:"session_id,omitempty"`
	Query            string            `json:"query"`
	Timestamp        int64             `json:"timestamp"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	Results          *MultiTurnResults `json:"results"`
}

// IncrementalRequest is the body for the phased single-query endpoints.
type IncrementalRequest struct {
	Query     string `json:"query" validate:"required,max=8192"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// Validate runs the struct validation rules.
func (r *IncrementalRequest) Validate() error {
	return validate.Struct(r)
}
