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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// maxWSMessageBytes bounds a single inbound WebSocket request.
const maxWSMessageBytes = 64 * 1024

// streamPhases runs one incremental retrieval and writes every phase.
//
// # Description
//
// Emits a status event, then the documents, conversations and complete
// phases as they become available, then done. Store failures surface as
// empty phases, never as error events. If ctx ends early the phase loop
// stops and an error event replaces done.
//
// # Outputs
//
//   - int: Number of phase events written.
//   - error: The first write error (client gone), if any.
func streamPhases(ctx context.Context, deps *Deps, w EventWriter, transport string, req datatypes.IncrementalRequest) (int, error) {
	ctx, span := tracer.Start(ctx, "streamPhases")
	defer span.End()

	requestID := uuid.New().String()
	if err := w.WriteStatus("retrieving"); err != nil {
		return 0, err
	}

	written := 0
	var writeErr error
	for phase := range deps.retrieverFor(req.SessionID).GetRelevantDocumentsIncremental(ctx, req.Query) {
		if writeErr = w.WritePhase(requestID, phase); writeErr != nil {
			break
		}
		deps.recordPhase(transport, phase.Type)
		written++
	}
	if writeErr != nil {
		return written, writeErr
	}
	if err := ctx.Err(); err != nil {
		_ = w.WriteError("retrieval cancelled")
		return written, err
	}
	return written, w.WriteDone(requestID)
}

// HandleIncrementalSSE serves POST /v1/retrieval/incremental.
//
// # Description
//
// Streams the three retrieval phases as Server-Sent Events. Event types are
// "status", "documents", "conversations", "complete" and "done". An "error"
// event replaces "done" when the request times out.
//
// # Outputs
//
//   - 400 with {"error": ...} for an invalid body (before streaming).
//   - 200 text/event-stream otherwise.
func HandleIncrementalSSE(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IncrementalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		setSSEHeaders(c.Writer)
		c.Status(http.StatusOK)

		w, err := NewSSEWriter(c.Writer)
		if err != nil {
			slog.Error("Streaming not supported by response writer", "error", err)
			return
		}

		defer trackStream(c.Request.Context(), transportSSE)()

		ctx, cancel := deps.withTimeout(c.Request.Context())
		defer cancel()

		phases, err := streamPhases(ctx, deps, w, transportSSE, req)
		if err != nil {
			slog.Info("Incremental SSE stream ended early", "phases", phases, "error", err)
		}
	}
}

// =============================================================================
// WebSocket
// =============================================================================

// wsWriter implements EventWriter over a WebSocket connection. gorilla
// connections allow one concurrent writer, so writes are serialized.
type wsWriter struct {
	conn  *websocket.Conn
	chain eventChain
	mu    sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = w.chain.seal(event)
	if err := w.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write websocket event: %w", err)
	}
	return nil
}

func (w *wsWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: message})
}

func (w *wsWriter) WritePhase(requestID string, phase datatypes.IncrementalResult) error {
	return w.WriteEvent(datatypes.NewPhaseEvent(requestID, phase))
}

func (w *wsWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: errMsg})
}

func (w *wsWriter) WriteDone(requestID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, RequestId: requestID})
}

// newUpgrader builds an upgrader honoring the allowed origin list. An empty
// list keeps gorilla's same-origin check; "*" allows every origin.
func newUpgrader(allowed []string) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
	}
	if len(allowed) == 0 {
		return up
	}
	up.CheckOrigin = func(r *http.Request) bool {
		if slices.Contains(allowed, "*") {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
	return up
}

// HandleIncrementalWebSocket serves GET /v1/retrieval/ws.
//
// # Description
//
// After the upgrade the client sends IncrementalRequest JSON messages, one
// per retrieval. Each is answered with the same event sequence as the SSE
// endpoint. Invalid messages get an error event and the connection stays
// open. The connection closes when the client disconnects.
func HandleIncrementalWebSocket(deps *Deps) gin.HandlerFunc {
	upgrader := newUpgrader(deps.AllowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		defer trackStream(c.Request.Context(), transportWebSocket)()
		conn.SetReadLimit(maxWSMessageBytes)

		w := newWSWriter(conn)
		slog.Info("Incremental WebSocket client connected", "remote", c.ClientIP())

		for {
			var req datatypes.IncrementalRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("WebSocket read failed", "error", err)
				}
				return
			}
			if err := req.Validate(); err != nil {
				if w.WriteError(err.Error()) != nil {
					return
				}
				continue
			}

			ctx, cancel := deps.withTimeout(c.Request.Context())
			_, err := streamPhases(ctx, deps, w, transportWebSocket, req)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil {
				continue
			}
			if err != nil {
				slog.Info("Incremental WebSocket stream ended early", "error", err)
				return
			}
		}
	}
}
