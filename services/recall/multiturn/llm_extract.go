// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multiturn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
)

// extractionPrompt asks the model for the same two lists HeuristicExtractor
// produces.
const extractionPrompt = `You extract search terms from one chat message.
Reply with a JSON object: {"entities": [...], "topics": [...]}.
entities: named things as written in the message (products, people, acronyms,
file names, URLs, measurements with units), at most 10, in order of appearance.
topics: short lowercase subject phrases (languages, frameworks, concepts), at
most 8. Use empty arrays when nothing applies. Output JSON only.`

// extractionSeed pins sampling for backends that honor it.
const extractionSeed = 7

// LLMConfig configures LLMExtractor.
//
// # Fields
//
//   - BaseURL: OpenAI-compatible API root, e.g. "http://localhost:11434/v1".
//   - Model: Chat model name.
//   - APIKey: Bearer token. Local servers usually ignore it. Never logged.
//   - Timeout: Bound on one completion call. Default: 10s
//   - CacheSize: Extractions kept per text. Default: 1024
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=0"`
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
}

// DefaultLLMConfig targets a local Ollama server.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:   "http://localhost:11434/v1",
		Model:     "llama3.1",
		Timeout:   10 * time.Second,
		CacheSize: 1024,
	}
}

// extraction is the JSON object the model returns.
type extraction struct {
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`
}

// LLMExtractor is an Extractor backed by an OpenAI-compatible chat model.
//
// # Description
//
// One completion per distinct text returns both lists, so the
// ExtractEntities/ExtractTopics pair for a turn costs a single call.
// Answers are cached by text, which keeps repeated calls stable even when
// the backend is not fully deterministic. Sampling uses temperature 0 and a
// fixed seed with JSON output.
//
// Any failure (transport, timeout, malformed JSON) falls back to the
// wrapped extractor for that text, so retrieval never depends on the model
// being up. Fallback answers are not cached.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent requests for the same text share one
// completion call.
type LLMExtractor struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	fallback Extractor
	cache    *expirable.LRU[string, extraction]
	inflight singleflight.Group
}

// NewLLMExtractor creates an extractor for cfg.
//
// # Inputs
//
//   - cfg: Connection settings. BaseURL and Model are required.
//   - fallback: Used when a call fails. Nil means NewHeuristicExtractor().
//
// # Outputs
//
//   - *LLMExtractor: Ready to use. No connection is made until the first call.
//   - error: Non-nil if BaseURL or Model is empty.
func NewLLMExtractor(cfg LLMConfig, fallback Extractor) (*LLMExtractor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llm extractor: base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm extractor: model is required")
	}
	defaults := DefaultLLMConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if fallback == nil {
		fallback = NewHeuristicExtractor()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	slog.Info("Initializing LLM extractor", "base_url", clientCfg.BaseURL, "model", cfg.Model)
	return &LLMExtractor{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		fallback: fallback,
		cache:    expirable.NewLRU[string, extraction](cfg.CacheSize, nil, 0),
	}, nil
}

// ExtractEntities implements Extractor.
func (e *LLMExtractor) ExtractEntities(text string) []string {
	ex, ok := e.extract(text)
	if !ok {
		return e.fallback.ExtractEntities(text)
	}
	return ex.Entities
}

// ExtractTopics implements Extractor.
func (e *LLMExtractor) ExtractTopics(text string) []string {
	ex, ok := e.extract(text)
	if !ok {
		return e.fallback.ExtractTopics(text)
	}
	return ex.Topics
}

// extract returns the cached or freshly computed extraction for text. ok is
// false when the model could not be used.
func (e *LLMExtractor) extract(text string) (extraction, bool) {
	if strings.TrimSpace(text) == "" {
		return extraction{Entities: []string{}, Topics: []string{}}, true
	}
	if cached, hit := e.cache.Get(text); hit {
		return cached, true
	}

	v, err, _ := e.inflight.Do(text, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		ex, err := e.complete(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Add(text, ex)
		return ex, nil
	})
	if err != nil {
		slog.Warn("LLM extraction failed, using heuristic extractor", "model", e.model, "error", err)
		return extraction{}, false
	}
	return v.(extraction), true
}

func (e *LLMExtractor) complete(ctx context.Context, text string) (extraction, error) {
	seed := extractionSeed
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		// Zero is dropped by omitempty; this is the smallest value that is sent.
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return extraction{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return extraction{}, errors.New("chat completion returned no choices")
	}

	var raw extraction
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return extraction{
		Entities: normalizeEntities(raw.Entities),
		Topics:   normalizeTopics(raw.Topics),
	}, nil
}

// normalizeEntities applies the HeuristicExtractor output rules to model
// output: trimmed, no stop words, case-insensitive dedup, capped.
func normalizeEntities(in []string) []string {
	out := make([]string, 0, min(len(in), MaxEntitiesPerTurn))
	seen := make(map[string]struct{})
	for _, s := range in {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" || isStopWord(s) {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
		if len(out) == MaxEntitiesPerTurn {
			break
		}
	}
	return out
}

// normalizeTopics lowercases, collapses whitespace, dedups and caps.
func normalizeTopics(in []string) []string {
	out := make([]string, 0, min(len(in), MaxTopicsPerTurn))
	seen := make(map[string]struct{})
	for _, s := range in {
		s = strings.ToLower(strings.Join(strings.Fields(s), " "))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == MaxTopicsPerTurn {
			break
		}
	}
	return out
}
