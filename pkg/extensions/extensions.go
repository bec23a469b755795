// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// The open source relay works standalone with no-op defaults; enterprise
// deployments inject concrete implementations via ServiceOptions without
// modifying the core codebase.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults
// by DefaultOptions() or by services checking for nil.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens into an identity. The relay
	// uses the resulting owner key for history grouping and push
	// addressing, and the roles for the admin surface.
	// Default: NopAuthProvider (anonymous, no roles).
	AuthProvider AuthProvider
}

// DefaultOptions returns ServiceOptions with no-op defaults. This is the
// configuration used by the open source version.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
