// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the identity-query filter: a pattern matcher that
// decides whether a user message is asking the assistant to reveal its
// underlying model. Matching messages receive silence instead of a reply.
package sanitize

import (
	"strings"
	"unicode"
)

// identityPhrases are matched against the normalized message text.
// Normalization lowercases and removes whitespace and punctuation, so a
// phrase here must be written the same way.
var identityPhrases = []string{
	// zh
	"你是什么模型",
	"你是哪个模型",
	"什么大模型",
	"哪个大模型",
	"你是谁开发",
	"你是谁训练",
	"你的底层模型",
	"基于什么模型",
	"用的什么模型",
	// en
	"whatmodelareyou",
	"whichmodelareyou",
	"whatllmareyou",
	"whotrainedyou",
	"whomadeyou",
	"whocreatedyou",
	"areyougpt",
	"areyouchatgpt",
	"areyouclaude",
	"areyougemini",
	"whatisyourmodel",
	"whichcompanytrainedyou",
}

// IsIdentityQuery reports whether a user message asks the assistant to
// reveal its underlying model.
//
// # Description
//
// The check is substring-based over a normalized form of the message
// (lowercased, whitespace and punctuation removed), so "What MODEL are
// you?" and "what model are you" both match. The pipeline short-circuits
// matching messages: no provider is contacted and the reply is empty.
//
// # Limitations
//
//   - Pattern list, not a classifier. Paraphrases outside the list pass.
func IsIdentityQuery(s string) bool {
	n := normalizeForMatch(s)
	if n == "" {
		return false
	}
	for _, phrase := range identityPhrases {
		if strings.Contains(n, phrase) {
			return true
		}
	}
	return false
}

// normalizeForMatch lowercases the message and drops whitespace and
// punctuation so phrase matching is insensitive to spacing and symbols.
func normalizeForMatch(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
