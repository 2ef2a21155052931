// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/AleutianRecall/services/recall/config"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
)

// newExtractor builds the entity/topic extractor named by cfg.Kind.
func newExtractor(cfg config.ExtractorConfig) (multiturn.Extractor, error) {
	switch cfg.Kind {
	case config.ExtractorHeuristic, "":
		return multiturn.NewHeuristicExtractor(), nil
	case config.ExtractorLLM:
		ex, err := multiturn.NewLLMExtractor(cfg.LLM, nil)
		if err != nil {
			return nil, err
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", cfg.Kind)
	}
}
