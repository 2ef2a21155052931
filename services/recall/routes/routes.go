// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRecall/services/recall/handlers"
	"github.com/AleutianAI/AleutianRecall/services/recall/middleware"
)

// SetupRoutes registers the recall API on router.
//
// /health and /metrics stay outside authentication so health checks and scrapers
// need no token. Everything under /v1 requires a bearer token when tokens
// is non-empty.
func SetupRoutes(router *gin.Engine, deps *handlers.Deps, tokens []string) {
	router.GET("/health", handlers.HandleHealth(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(tokens))
	{
		retrieval := v1.Group("/retrieval")
		{
			retrieval.POST("/multiturn", handlers.HandleMultiTurn(deps))
			retrieval.POST("/incremental", handlers.HandleIncrementalSSE(deps))
			retrieval.GET("/ws", handlers.HandleIncrementalWebSocket(deps))
			retrieval.GET("/results/:id", handlers.HandleGetResult(deps))
		}
	}
}
