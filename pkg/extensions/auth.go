// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when authentication fails. Enterprise
// implementations should wrap this error with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user. Never
	// empty on a successful Validate. Used as the owner key for history
	// grouping and push addressing.
	UserID string

	// Roles contains the user's role memberships. The relay recognizes
	// "admin" for the administrative surface and verification bypass.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user
// identity.
//
// Implementations must be safe for concurrent use. Enterprise versions
// validate tokens against identity providers (Okta, Auth0, Azure AD);
// the open source relay ships NopAuthProvider and StaticTokenProvider.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's
	// identity. Returns ErrUnauthorized (or wrapped) for an invalid
	// token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default provider: identity is disabled and
// every token is rejected. Callers then operate anonymously, scoped by
// session key alone.
//
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// Validate always returns ErrUnauthorized.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return nil, ErrUnauthorized
}

// StaticTokenProvider validates a single shared operator token, mapping
// it to an admin identity. Suitable for single-operator deployments that
// need the administrative surface without identity infrastructure.
//
// Thread-safe: no mutable state.
type StaticTokenProvider struct {
	// Token is the shared secret. An empty Token rejects everything.
	Token string
}

// Validate compares in constant time and returns the operator identity.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.Token == "" || subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{
		UserID: "operator",
		Roles:  []string{"admin"},
	}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
