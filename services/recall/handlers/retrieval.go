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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/journal"
)

// HandleMultiTurn serves POST /v1/retrieval/multiturn.
//
// # Description
//
// Validates the request, runs multi-turn retrieval scoped to the request's
// session, stores the response in the journal (best effort) and returns it.
// Retrieval problems degrade inside the service; this handler only fails
// on a malformed body.
//
// # Outputs
//
//   - 200 with datatypes.MultiTurnResponse.
//   - 400 with {"error": ...} for invalid JSON or validation failures.
func HandleMultiTurn(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleMultiTurn")
		defer span.End()

		var req datatypes.MultiTurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Invalid multi-turn request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.EnsureDefaults()
		span.SetAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.Int("history.len", len(req.History)),
		)

		ctx, cancel := deps.withTimeout(ctx)
		defer cancel()

		start := time.Now()
		results := deps.service().PerformMultiTurnRetrieval(
			ctx, req.Query, req.History, deps.retrieverFor(req.SessionID), req.Config)

		resp := &datatypes.MultiTurnResponse{
			RequestID:        req.RequestID,
			SessionID:        req.SessionID,
			Query:            req.Query,
			Timestamp:        req.Timestamp,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			Results:          results,
		}

		if deps.Journal != nil {
			// The response is already computed; a client disconnect must not
			// drop it from the journal.
			if err := deps.Journal.Put(context.WithoutCancel(ctx), resp); err != nil {
				slog.Warn("Failed to journal retrieval result", "request_id", resp.RequestID, "error", err)
			}
		}

		slog.Info("Multi-turn retrieval served",
			"request_id", resp.RequestID,
			"turns", len(results.TurnContexts),
			"combined", len(results.CombinedDocs),
			"fallback", results.Fallback,
			"duration_ms", resp.ProcessingTimeMs,
		)
		c.JSON(http.StatusOK, resp)
	}
}

// HandleGetResult serves GET /v1/retrieval/results/:id.
//
// # Outputs
//
//   - 200 with the stored datatypes.MultiTurnResponse.
//   - 404 if the result is unknown or expired.
//   - 503 if journaling is disabled.
//   - 500 on storage errors.
func HandleGetResult(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Journal == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result journal is disabled"})
			return
		}

		id := c.Param("id")
		resp, err := deps.Journal.Get(c.Request.Context(), id)
		switch {
		case errors.Is(err, journal.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		case err != nil:
			slog.Error("Failed to load journaled result", "request_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		default:
			c.JSON(http.StatusOK, resp)
		}
	}
}

// HandleHealth serves GET /health.
func HandleHealth(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"journal": deps.Journal != nil,
		})
	}
}
