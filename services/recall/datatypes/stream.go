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

import "encoding/json"

// Stream event types sent on the incremental SSE and WebSocket transports.
// Phase events use the PhaseType values ("documents", "conversations",
// "complete") as their type.
const (
	StreamEventStatus = "status"
	StreamEventError  = "error"
	StreamEventDone   = "done"
)

// StreamEvent is one message on an incremental stream.
//
// # Description
//
// Every event carries a UUID, a millisecond timestamp and a SHA-256 hash
// over its content plus the previous event's hash, so a client can detect
// dropped or reordered events. Phase events always carry a results array,
// empty when the phase found nothing; other events omit it.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`

	RequestId string         `json:"request_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Results   []SearchResult `json:"results,omitempty"`
	Progress  int            `json:"progress"`
	Total     int            `json:"total"`
}

// NewPhaseEvent converts an incremental phase into a stream event.
func NewPhaseEvent(requestID string, phase IncrementalResult) StreamEvent {
	return StreamEvent{
		Type:      string(phase.Type),
		RequestId: requestID,
		Results:   CloneResults(phase.Results),
		Progress:  phase.Progress,
		Total:     phase.Total,
	}
}

// IsPhase reports whether the event carries a retrieval phase.
func (e StreamEvent) IsPhase() bool {
	switch PhaseType(e.Type) {
	case PhaseDocuments, PhaseConversations, PhaseComplete:
		return true
	}
	return false
}

// MarshalJSON keeps "results" on phase events even when empty.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type plain StreamEvent
	if !e.IsPhase() {
		return json.Marshal(plain(e))
	}
	results := e.Results
	if results == nil {
		results = []SearchResult{}
	}
	return json.Marshal(struct {
		plain
		Results []SearchResult `json:"results"`
	}{plain(e), results})
}
