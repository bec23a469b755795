// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay service.
//
// # Identity Flow
//
// Every chat route passes through IdentityMiddleware. It reads the
// session key (X-Session-Key header, falling back to the session_key
// query parameter for EventSource clients, which cannot set headers) and
// optionally resolves a bearer token into an authenticated identity via
// the configured AuthProvider. The resulting Identity is stored in the
// Gin context for handlers.
//
// A request with no Authorization header proceeds anonymously, scoped by
// session key alone. A request that offers a token the provider rejects
// is refused: a bad credential is an error, not an anonymous fallback.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// identityKey is the context key for the request Identity.
const identityKey = "aleutian_relay_identity"

// Identity is the per-request caller identity resolved by
// IdentityMiddleware.
type Identity struct {
	// SessionKey is the opaque client session identifier. Always set.
	SessionKey string

	// OwnerKey is the authenticated user ID; empty for anonymous
	// callers. When set it supersedes SessionKey for grouping.
	OwnerKey string

	// Roles are the authenticated roles; nil for anonymous callers.
	Roles []string
}

// GroupKey returns the history bucket key for this caller.
func (id Identity) GroupKey() string {
	return datatypes.GroupKeyFor(id.OwnerKey, id.SessionKey)
}

// SetIdentity stores the caller identity in the Gin context.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// GetIdentity retrieves the caller identity. The zero Identity is
// returned when IdentityMiddleware did not run.
func GetIdentity(c *gin.Context) Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

// IdentityMiddleware resolves the caller identity for chat routes.
//
// # Description
//
// Requires a session key; refuses the request with 400 when it is absent
// or oversized. A bearer token, when present, must validate; the
// provider's identity then supplies the owner key and roles.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func IdentityMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionKey := c.GetHeader("X-Session-Key")
		if sessionKey == "" {
			sessionKey = c.Query("session_key")
		}
		if sessionKey == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "session key required",
			})
			return
		}
		if len(sessionKey) > datatypes.MaxKeyBytes {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "session key too long",
			})
			return
		}

		id := Identity{SessionKey: sessionKey}
		if token := extractBearerToken(c); token != "" {
			info, err := provider.Validate(c.Request.Context(), token)
			if err != nil {
				slog.Debug("Bearer token rejected", "error", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			id.OwnerKey = info.UserID
			id.Roles = info.Roles
		}

		SetIdentity(c, id)
		c.Next()
	}
}

// RequireAdmin guards the administrative surface. Must run after
// IdentityMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetIdentity(c)
		for _, role := range id.Roles {
			if role == "admin" {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "admin role required",
		})
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". Returns ""
// when the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
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
