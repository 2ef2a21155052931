// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventWriter writes hash-chained stream events to a client.
//
// # Description
//
// Both incremental transports (SSE and WebSocket) share this contract so
// the phase loop is written once. Each event is automatically assigned:
//   - Id: UUID v4
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 over the event content and PrevHash
//   - PrevHash: Hash of the previous event on this writer
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type EventWriter interface {
	// WriteEvent fills in the chain fields and sends event.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus sends a status event with a human-readable message.
	WriteStatus(message string) error

	// WritePhase sends one incremental retrieval phase.
	WritePhase(requestID string, phase datatypes.IncrementalResult) error

	// WriteError sends an error event. The message must be client-safe.
	WriteError(errMsg string) error

	// WriteDone signals the end of one retrieval.
	WriteDone(requestID string) error
}

// =============================================================================
// Hash Chain
// =============================================================================

// eventChain assigns ids, timestamps and chained hashes.
type eventChain struct {
	prevHash string
}

func (ch *eventChain) seal(event datatypes.StreamEvent) datatypes.StreamEvent {
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = ch.prevHash
	event.Hash = ComputeEventHash(event)
	ch.prevHash = event.Hash
	return event
}

// ComputeEventHash returns the hex SHA-256 of the event's content fields.
// The Hash field itself is not part of the input.
func ComputeEventHash(event datatypes.StreamEvent) string {
	resultsJSON := ""
	if len(event.Results) > 0 {
		if data, err := json.Marshal(event.Results); err == nil {
			resultsJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%d|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.RequestId,
		event.Message,
		event.Error,
		event.Progress,
		event.Total,
		resultsJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// =============================================================================
// SSE Implementation
// =============================================================================

// sseWriter implements EventWriter over Server-Sent Events.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	chain   eventChain
	mu      sync.Mutex
}

// NewSSEWriter creates an SSE EventWriter.
//
// # Inputs
//
//   - w: Response writer. Must implement http.Flusher.
//
// # Outputs
//
//   - EventWriter: Ready to write. Headers must already be set.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent writes "event: <type>\ndata: <json>\n\n" and flushes.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = w.chain.seal(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: message})
}

func (w *sseWriter) WritePhase(requestID string, phase datatypes.IncrementalResult) error {
	return w.WriteEvent(datatypes.NewPhaseEvent(requestID, phase))
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(requestID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, RequestId: requestID})
}

// setSSEHeaders prepares the response for streaming.
func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
