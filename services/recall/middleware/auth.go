// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the recall service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	TokenAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Compare against the configured token set
//	   │
//	   └─► Store the caller fingerprint in the gin context
//	           │
//	           ▼
//	       Handler (retrieves via CallerID)
//
// With no tokens configured every request passes, which keeps local and
// CLI usage free of setup.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

const callerIDKey = "aleutian_recall_caller"

// CallerID returns the fingerprint of the token that authenticated this
// request, or "" when authentication is disabled.
func CallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}

// =============================================================================
// Middleware
// =============================================================================

// TokenAuth returns middleware that requires one of tokens as a bearer
// token.
//
// # Description
//
// Tokens are hashed once at construction. Each request's token is hashed
// and compared against every configured hash in constant time. The first
// 12 hex characters of the matching hash become the caller ID, so logs can
// tell callers apart without recording secrets.
//
// # Inputs
//
//   - tokens: Accepted tokens. Empty strings are ignored. An empty set
//     disables authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 {"error": "unauthorized"} on failure.
func TokenAuth(tokens []string) gin.HandlerFunc {
	var hashes [][sha256.Size]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			hashes = append(hashes, sha256.Sum256([]byte(t)))
		}
	}

	if len(hashes) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sum := sha256.Sum256([]byte(token))
		matched := 0
		for i := range hashes {
			matched |= subtle.ConstantTimeCompare(sum[:], hashes[i][:])
		}
		if matched != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(callerIDKey, hex.EncodeToString(sum[:])[:12])
		c.Next()
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
// Returns "" if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
