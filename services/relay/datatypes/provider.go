// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the upstream provider record and its validation.
// Provider records are "any-shaped" documents in the catalog store, so they
// are validated here, at the adapter boundary, before the pool will use them.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// relayValidate is the validator instance for relay datatypes.
var relayValidate *validator.Validate

func init() {
	relayValidate = validator.New()
}

// =============================================================================
// Provider
// =============================================================================

// MaxWeightSlots caps how many selection-pool slots one provider may occupy.
// Bounds the pool size regardless of the stored weight.
const MaxWeightSlots = 10

// Provider is one upstream completion target.
//
// # Description
//
// Providers are loaded from the catalog store on a TTL and expanded into a
// weight-biased selection pool by the provider pool. Disabled providers are
// excluded from selection entirely.
//
// # Fields
//
//   - Endpoint: Base URL of the upstream completion API.
//   - Credential: API credential. Opaque; never logged.
//   - ModelID: Model identifier sent with each completion request.
//   - Enabled: Disabled providers are excluded from selection.
//   - Weight: Positive integer biasing selection probability. Expanded into
//     min(MaxWeightSlots, max(1, Weight)) pool slots.
//   - Group: Optional label. Carried and persisted but unused by selection;
//     reserved for future routing.
type Provider struct {
	Endpoint   string `json:"endpoint" validate:"required,url"`
	Credential string `json:"credential"`
	ModelID    string `json:"model_id" validate:"required"`
	Enabled    bool   `json:"enabled"`
	Weight     int    `json:"weight" validate:"gte=0,lte=1000000"`
	Group      string `json:"group,omitempty"`
}

// Key returns the identity of a provider for deduplication: endpoint plus
// model. Two catalog rows with the same endpoint and model are one provider.
func (p Provider) Key() string {
	return p.Endpoint + "|" + p.ModelID
}

// PoolSlots returns how many selection-pool slots this provider occupies.
func (p Provider) PoolSlots() int {
	w := p.Weight
	if w < 1 {
		w = 1
	}
	if w > MaxWeightSlots {
		w = MaxWeightSlots
	}
	return w
}

// Validate checks a provider record loaded from the catalog store.
//
// Invalid records are skipped by the pool with a warning rather than
// failing the whole refresh.
func (p Provider) Validate() error {
	if err := relayValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid provider record: %w", err)
	}
	return nil
}

// ValidateMessage checks a message document at the store-adapter boundary.
func ValidateMessage(m Message) error {
	if err := relayValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid message record: %w", err)
	}
	return nil
}
