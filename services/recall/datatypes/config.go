// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// PairingStrategy selects how user messages are paired with assistant replies.
type PairingStrategy string

const (
	// PairingPositional pairs the i-th user message with the i-th assistant
	// message after filtering each role separately. This is the reference
	// behavior; it drifts when two user messages arrive back to back.
	PairingPositional PairingStrategy = "positional"

	// PairingAdjacent pairs a user message with the assistant message that
	// immediately follows it in the interleaved history, if any.
	PairingAdjacent PairingStrategy = "adjacent"
)

// Limits that are part of the result contract rather than tunables.
const (
	// MaxTurnsLimit is the largest accepted MaxTurns.
	MaxTurnsLimit = 50

	// MaxCombinedDocs caps MultiTurnResults.CombinedDocs.
	MaxCombinedDocs = 15

	// MaxEntityChain caps MultiTurnResults.EntityChain.
	MaxEntityChain = 10

	// MaxTopicChain caps MultiTurnResults.TopicChain.
	MaxTopicChain = 8
)

// MultiTurnConfig tunes a single multi-turn retrieval call.
//
// # Description
//
// Values are immutable once a call starts. Callers usually start from
// DefaultMultiTurnConfig() and apply a ConfigOverrides on top of it.
//
// # Fields
//
//   - MaxTurns: How many recent user turns are considered. Default: 5
//   - EntityExtractionEnabled: Extract entities per turn. Default: true
//   - TopicTrackingEnabled: Extract topics per turn. Default: true
//   - ContextDecayRate: Per-turn decay in (0,1). Default: 0.8
//   - MinContextWeight: Turns below this weight are dropped. Default: 0.1
//   - EntityBoostFactor: Multiplier per matched entity, >= 1. Default: 1.3
//   - TopicBoostFactor: Multiplier per matched topic, >= 1. Default: 1.2
//   - MaxConcurrency: Parallel per-turn re-queries. Default: 4
//   - PairingStrategy: User/assistant pairing. Default: positional
type MultiTurnConfig struct {
	MaxTurns                int             `json:"max_turns" yaml:"max_turns" validate:"gte=1,lte=50"`
	EntityExtractionEnabled bool            `json:"entity_extraction_enabled" yaml:"entity_extraction_enabled"`
	TopicTrackingEnabled    bool            `json:"topic_tracking_enabled" yaml:"topic_tracking_enabled"`
	ContextDecayRate        float64         `json:"context_decay_rate" yaml:"context_decay_rate" validate:"gt=0,lt=1"`
	MinContextWeight        float64         `json:"min_context_weight" yaml:"min_context_weight" validate:"gte=0,lte=1"`
	EntityBoostFactor       float64         `json:"entity_boost_factor" yaml:"entity_boost_factor" validate:"gte=1"`
	TopicBoostFactor        float64         `json:"topic_boost_factor" yaml:"topic_boost_factor" validate:"gte=1"`
	MaxConcurrency          int             `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=1,lte=64"`
	PairingStrategy         PairingStrategy `json:"pairing_strategy" yaml:"pairing_strategy" validate:"oneof=positional adjacent"`
}

// DefaultMultiTurnConfig returns the documented defaults.
func DefaultMultiTurnConfig() MultiTurnConfig {
	return MultiTurnConfig{
		MaxTurns:                5,
		EntityExtractionEnabled: true,
		TopicTrackingEnabled:    true,
		ContextDecayRate:        0.8,
		MinContextWeight:        0.1,
		EntityBoostFactor:       1.3,
		TopicBoostFactor:        1.2,
		MaxConcurrency:          4,
		PairingStrategy:         PairingPositional,
	}
}

// ConfigOverrides is the partial configuration accepted by the inbound API.
// Nil fields keep the base value. Out-of-range values are corrected by
// Apply: MaxTurns is capped at MaxTurnsLimit, every other field falls back
// to its default.
type ConfigOverrides struct {
	MaxTurns                *int             `json:"max_turns,omitempty"`
	EntityExtractionEnabled *bool            `json:"entity_extraction_enabled,omitempty"`
	TopicTrackingEnabled    *bool            `json:"topic_tracking_enabled,omitempty"`
	ContextDecayRate        *float64         `json:"context_decay_rate,omitempty"`
	MinContextWeight        *float64         `json:"min_context_weight,omitempty"`
	EntityBoostFactor       *float64         `json:"entity_boost_factor,omitempty"`
	TopicBoostFactor        *float64         `json:"topic_boost_factor,omitempty"`
	MaxConcurrency          *int             `json:"max_concurrency,omitempty"`
	PairingStrategy         *PairingStrategy `json:"pairing_strategy,omitempty"`
}

// Apply merges overrides into c and returns a validated copy.
//
// # Description
//
// Every overridden field replaces the base value. The merged config is then
// validated; any field that fails validation is reset to its default and a
// warning is logged, so a bad override can never break a retrieval call.
// MaxTurns above MaxTurnsLimit is capped at the limit instead.
//
// # Inputs
//
//   - o: Partial overrides. May be nil.
//
// # Outputs
//
//   - MultiTurnConfig: The merged and corrected configuration.
//
// # Example
//
//	turns := 2
//	cfg := DefaultMultiTurnConfig().Apply(&ConfigOverrides{MaxTurns: &turns})
func (c MultiTurnConfig) Apply(o *ConfigOverrides) MultiTurnConfig {
	if o != nil {
		if o.MaxTurns != nil {
			c.MaxTurns = *o.MaxTurns
		}
		if o.EntityExtractionEnabled != nil {
			c.EntityExtractionEnabled = *o.EntityExtractionEnabled
		}
		if o.TopicTrackingEnabled != nil {
			c.TopicTrackingEnabled = *o.TopicTrackingEnabled
		}
		if o.ContextDecayRate != nil {
			c.ContextDecayRate = *o.ContextDecayRate
		}
		if o.MinContextWeight != nil {
			c.MinContextWeight = *o.MinContextWeight
		}
		if o.EntityBoostFactor != nil {
			c.EntityBoostFactor = *o.EntityBoostFactor
		}
		if o.TopicBoostFactor != nil {
			c.TopicBoostFactor = *o.TopicBoostFactor
		}
		if o.MaxConcurrency != nil {
			c.MaxConcurrency = *o.MaxConcurrency
		}
		if o.PairingStrategy != nil {
			c.PairingStrategy = *o.PairingStrategy
		}
	}
	return c.Sanitize()
}

// Validate checks the configuration against its documented ranges.
func (c MultiTurnConfig) Validate() error {
	return validate.Struct(c)
}

// Sanitize returns a copy of c with every invalid field reset to its default.
func (c MultiTurnConfig) Sanitize() MultiTurnConfig {
	err := c.Validate()
	if err == nil {
		return c
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		slog.Warn("Invalid multi-turn config, using defaults", "error", err)
		return DefaultMultiTurnConfig()
	}

	defaults := DefaultMultiTurnConfig()
	for _, fe := range fieldErrs {
		slog.Warn("Invalid multi-turn config value, using default",
			"field", fe.StructField(), "provided", fe.Value(), "rule", fe.Tag())
		switch fe.StructField() {
		case "MaxTurns":
			if c.MaxTurns > MaxTurnsLimit {
				c.MaxTurns = MaxTurnsLimit
			} else {
				c.MaxTurns = defaults.MaxTurns
			}
		case "ContextDecayRate":
			c.ContextDecayRate = defaults.ContextDecayRate
		case "MinContextWeight":
			c.MinContextWeight = defaults.MinContextWeight
		case "EntityBoostFactor":
			c.EntityBoostFactor = defaults.EntityBoostFactor
		case "TopicBoostFactor":
			c.TopicBoostFactor = defaults.TopicBoostFactor
		case "MaxConcurrency":
			c.MaxConcurrency = defaults.MaxConcurrency
		case "PairingStrategy":
			c.PairingStrategy = defaults.PairingStrategy
		}
	}
	return c
}
