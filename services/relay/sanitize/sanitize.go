// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitize cleans provider-generated text before it is persisted
// or returned to clients.
//
// The sanitizer is a pure function: no state, no I/O. Clean is idempotent,
// so text that has already been sanitized passes through unchanged.
package sanitize

import (
	"regexp"
	"strings"
)

// =============================================================================
// Think-Block Stripping
// =============================================================================

// Reasoning models wrap internal deliberation in think blocks. Clients must
// never see them, and they must not be persisted into history.
var (
	thinkBlockRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)

	// An opening tag with no closing tag swallows everything after it:
	// a truncated stream must not leak a partial think block.
	openThinkRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*$`)

	// A dangling closing tag with no opener is dropped on its own.
	closeThinkRe = regexp.MustCompile(`(?i)</think(?:ing)?>`)
)

// Clean strips think-block wrappers and control characters from generated
// text and trims surrounding whitespace.
//
// # Description
//
// Applied to every provider reply before it is persisted or returned.
// Newlines and tabs survive; all other ASCII control characters are
// removed. Clean(Clean(s)) == Clean(s) for all s.
//
// # Inputs
//
//   - s: Raw provider output. May contain partial or nested markup.
//
// # Outputs
//
//   - string: Sanitized text. May be empty if the reply was only markup.
func Clean(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	s = openThinkRe.ReplaceAllString(s, "")
	s = closeThinkRe.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
