// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "errors"

// Sentinel errors surfaced to callers. Provider and store failures are
// absorbed inside the pipeline; these are the only error kinds a
// transport handler needs to map to a status code.
var (
	// ErrVerificationRequired means verification is configured and the
	// request carried no token.
	ErrVerificationRequired = errors.New("verification token required")

	// ErrVerificationFailed means the verification service rejected the
	// token.
	ErrVerificationFailed = errors.New("verification token rejected")

	// ErrVerificationUnavailable means the verification service could not
	// be reached or did not answer; the client may retry.
	ErrVerificationUnavailable = errors.New("verification service unavailable")

	// ErrEmptyBody means the request carried no message text.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrBodyTooLarge means the message body exceeds the per-message
	// size bound.
	ErrBodyTooLarge = errors.New("message body exceeds size limit")

	// ErrConfirmationRequired means a destructive administrative
	// operation was called without its confirmation flag.
	ErrConfirmationRequired = errors.New("confirmation required")
)
