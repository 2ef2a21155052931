// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the recall service configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then RECALL_* environment variables. The result is validated before use.
// Watcher reloads the file on change so multi-turn tuning can be adjusted
// without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/journal"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

// Backend names accepted by RetrieverConfig.Backend.
const (
	BackendWeaviate = "weaviate"
	BackendBleve    = "bleve"
)

// Tracing exporter names accepted by TracingConfig.Exporter.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// Extractor kinds accepted by ExtractorConfig.Kind.
const (
	ExtractorHeuristic = "heuristic"
	ExtractorLLM       = "llm"
)

// MetricsPrometheus is the additional value accepted by
// TracingConfig.MetricExporter. "none" and "stdout" are shared.
const MetricsPrometheus = "prometheus"

// Config is the complete recall service configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Retriever RetrieverConfig             `yaml:"retriever"`
	MultiTurn datatypes.MultiTurnConfig   `yaml:"multiturn"`
	Extractor ExtractorConfig             `yaml:"extractor"`
	Weaviate  WeaviateConfig              `yaml:"weaviate"`
	Bleve     BleveConfig                 `yaml:"bleve"`
	Cache     vectorstore.CacheConfig     `yaml:"cache"`
	RateLimit vectorstore.RateLimitConfig `yaml:"rate_limit"`
	Journal   journal.Config              `yaml:"journal"`
	Logging   logging.Config              `yaml:"logging"`
	Tracing   TracingConfig               `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// RequestTimeout bounds a single retrieval, including streamed ones.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`

	// AllowedOrigins lists WebSocket origins. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// APITokens are accepted bearer tokens for /v1. Empty disables auth.
	APITokens []string `yaml:"api_tokens"`
}

// RetrieverConfig selects the store backend and the retriever budget.
type RetrieverConfig struct {
	Backend string `yaml:"backend" validate:"oneof=weaviate bleve"`
	TopK    int    `yaml:"top_k" validate:"gte=1,lte=100"`
}

// WeaviateConfig holds connection settings plus the class layout.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required_if=Enabled true"`
	Scheme string `yaml:"scheme" validate:"omitempty,oneof=http https"`

	// APIKey is optional. Never logged.
	APIKey string `yaml:"api_key"`

	// Enabled is derived from Retriever.Backend and not read from YAML.
	Enabled bool `yaml:"-"`

	vectorstore.WeaviateConfig `yaml:",inline"`
}

// BleveConfig configures the in-process lexical backend.
type BleveConfig struct {
	// CorpusDir is loaded into the documents corpus at startup. Every
	// regular file becomes one or more chunks.
	CorpusDir string `yaml:"corpus_dir"`

	// ChunkSize and ChunkOverlap control ingest chunking, in characters.
	ChunkSize    int `yaml:"chunk_size" validate:"gte=100"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
}

// ExtractorConfig selects the entity/topic extractor used for turn
// contexts. The llm kind calls an OpenAI-compatible chat endpoint and falls
// back to the heuristic extractor whenever a call fails.
type ExtractorConfig struct {
	Kind string              `yaml:"kind" validate:"oneof=heuristic llm"`
	LLM  multiturn.LLMConfig `yaml:"llm"`
}

// TracingConfig selects the OpenTelemetry span and metric exporters.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`

	// MetricExporter publishes OTel instruments. "prometheus" adds them to
	// the /metrics endpoint next to the native collectors.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Retriever: RetrieverConfig{
			Backend: BackendWeaviate,
			TopK:    10,
		},
		MultiTurn: datatypes.DefaultMultiTurnConfig(),
		Extractor: ExtractorConfig{
			Kind: ExtractorHeuristic,
			LLM:  multiturn.DefaultLLMConfig(),
		},
		Weaviate: WeaviateConfig{
			Host:           "localhost:8080",
			Scheme:         "http",
			WeaviateConfig: vectorstore.DefaultWeaviateConfig(),
		},
		Bleve: BleveConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
		},
		Cache:     vectorstore.DefaultCacheConfig(),
		RateLimit: vectorstore.RateLimitConfig{QueriesPerSecond: 50, Burst: 20},
		Journal:   journal.DefaultConfig(),
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Format:  logging.FormatAuto,
			Service: "recall",
		},
		Tracing: TracingConfig{
			Exporter:       TracingNone,
			Endpoint:       "localhost:4317",
			SampleRatio:    1,
			MetricExporter: MetricsPrometheus,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path, and the
// environment.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer. A missing file is an error.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Non-nil if the file cannot be read or parsed, or validation fails.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	c.Weaviate.Enabled = c.Retriever.Backend == BackendWeaviate
	if err := datatypes.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Journal.InMemory && c.Journal.Path != "" {
		// Path is ignored for in-memory journals; not an error.
		c.Journal.Path = ""
	}
	if c.Extractor.Kind == ExtractorLLM && (c.Extractor.LLM.BaseURL == "" || c.Extractor.LLM.Model == "") {
		return errors.New("invalid config: extractor.llm.base_url and extractor.llm.model are required for the llm extractor")
	}
	if !c.Journal.InMemory && c.Journal.Path == "" {
		return errors.New("invalid config: journal.path is required unless journal.in_memory is set")
	}
	return nil
}

// MultiTurnSettings returns the multi-turn section.
func (c *Config) MultiTurnSettings() datatypes.MultiTurnConfig {
	return c.MultiTurn
}

// Marshal encodes the configuration as YAML. Secrets are redacted.
func (c *Config) Marshal() ([]byte, error) {
	cp := *c
	if cp.Weaviate.APIKey != "" {
		cp.Weaviate.APIKey = "REDACTED"
	}
	if cp.Extractor.LLM.APIKey != "" {
		cp.Extractor.LLM.APIKey = "REDACTED"
	}
	if len(cp.Server.APITokens) > 0 {
		cp.Server.APITokens = []string{"REDACTED"}
	}
	return yaml.Marshal(&cp)
}
