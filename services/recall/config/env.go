// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

// Environment variables read by applyEnv. Unset or empty variables keep the
// file/default value; unparseable values are logged and ignored.
const (
	EnvAddr             = "RECALL_ADDR"
	EnvAPITokens        = "RECALL_API_TOKENS"
	EnvBackend          = "RECALL_BACKEND"
	EnvTopK             = "RECALL_TOP_K"
	EnvWeaviateHost     = "RECALL_WEAVIATE_HOST"
	EnvWeaviateScheme   = "RECALL_WEAVIATE_SCHEME"
	EnvWeaviateAPIKey   = "RECALL_WEAVIATE_API_KEY"
	EnvCorpusDir        = "RECALL_CORPUS_DIR"
	EnvMaxTurns         = "RECALL_MAX_TURNS"
	EnvDecayRate        = "RECALL_CONTEXT_DECAY_RATE"
	EnvMinWeight        = "RECALL_MIN_CONTEXT_WEIGHT"
	EnvEntityExtraction = "RECALL_ENTITY_EXTRACTION"
	EnvTopicTracking    = "RECALL_TOPIC_TRACKING"
	EnvMaxConcurrency   = "RECALL_MAX_CONCURRENCY"
	EnvPairingStrategy  = "RECALL_PAIRING_STRATEGY"
	EnvExtractor        = "RECALL_EXTRACTOR"
	EnvLLMBaseURL       = "RECALL_LLM_BASE_URL"
	EnvLLMModel         = "RECALL_LLM_MODEL"
	EnvLLMAPIKey        = "RECALL_LLM_API_KEY"
	EnvCacheTTL         = "RECALL_CACHE_TTL"
	EnvRateLimitQPS     = "RECALL_RATE_LIMIT_QPS"
	EnvJournalPath      = "RECALL_JOURNAL_PATH"
	EnvJournalInMemory  = "RECALL_JOURNAL_IN_MEMORY"
	EnvJournalTTL       = "RECALL_JOURNAL_TTL"
	EnvLogLevel         = "RECALL_LOG_LEVEL"
	EnvLogFormat        = "RECALL_LOG_FORMAT"
	EnvTracingExporter  = "RECALL_TRACING_EXPORTER"
	EnvOTLPEndpoint     = "RECALL_OTLP_ENDPOINT"
	EnvMetricExporter   = "RECALL_METRIC_EXPORTER"
)

// applyEnv overlays RECALL_* variables onto c.
func (c *Config) applyEnv() error {
	c.Server.Addr = getEnvString(EnvAddr, c.Server.Addr)
	if v := os.Getenv(EnvAPITokens); v != "" {
		c.Server.APITokens = strings.Split(v, ",")
	}
	c.Retriever.Backend = getEnvString(EnvBackend, c.Retriever.Backend)
	c.Retriever.TopK = getEnvInt(EnvTopK, c.Retriever.TopK)

	c.Weaviate.Host = getEnvString(EnvWeaviateHost, c.Weaviate.Host)
	c.Weaviate.Scheme = getEnvString(EnvWeaviateScheme, c.Weaviate.Scheme)
	c.Weaviate.APIKey = getEnvString(EnvWeaviateAPIKey, c.Weaviate.APIKey)
	c.Bleve.CorpusDir = getEnvString(EnvCorpusDir, c.Bleve.CorpusDir)

	c.MultiTurn.MaxTurns = getEnvInt(EnvMaxTurns, c.MultiTurn.MaxTurns)
	c.MultiTurn.ContextDecayRate = getEnvFloat(EnvDecayRate, c.MultiTurn.ContextDecayRate)
	c.MultiTurn.MinContextWeight = getEnvFloat(EnvMinWeight, c.MultiTurn.MinContextWeight)
	c.MultiTurn.EntityExtractionEnabled = getEnvBool(EnvEntityExtraction, c.MultiTurn.EntityExtractionEnabled)
	c.MultiTurn.TopicTrackingEnabled = getEnvBool(EnvTopicTracking, c.MultiTurn.TopicTrackingEnabled)
	c.MultiTurn.MaxConcurrency = getEnvInt(EnvMaxConcurrency, c.MultiTurn.MaxConcurrency)
	c.MultiTurn.PairingStrategy = datatypes.PairingStrategy(
		getEnvString(EnvPairingStrategy, string(c.MultiTurn.PairingStrategy)))

	c.Extractor.Kind = getEnvString(EnvExtractor, c.Extractor.Kind)
	c.Extractor.LLM.BaseURL = getEnvString(EnvLLMBaseURL, c.Extractor.LLM.BaseURL)
	c.Extractor.LLM.Model = getEnvString(EnvLLMModel, c.Extractor.LLM.Model)
	c.Extractor.LLM.APIKey = getEnvString(EnvLLMAPIKey, c.Extractor.LLM.APIKey)

	c.Cache.TTL = getEnvDuration(EnvCacheTTL, c.Cache.TTL)
	c.RateLimit.QueriesPerSecond = getEnvFloat(EnvRateLimitQPS, c.RateLimit.QueriesPerSecond)

	c.Journal.Path = getEnvString(EnvJournalPath, c.Journal.Path)
	c.Journal.InMemory = getEnvBool(EnvJournalInMemory, c.Journal.InMemory)
	c.Journal.TTL = getEnvDuration(EnvJournalTTL, c.Journal.TTL)

	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		c.Logging.Level = level
	}
	c.Logging.Format = logging.Format(getEnvString(EnvLogFormat, string(c.Logging.Format)))

	c.Tracing.Exporter = getEnvString(EnvTracingExporter, c.Tracing.Exporter)
	c.Tracing.Endpoint = getEnvString(EnvOTLPEndpoint, c.Tracing.Endpoint)
	c.Tracing.MetricExporter = getEnvString(EnvMetricExporter, c.Tracing.MetricExporter)
	return nil
}

// getEnvInt returns an environment variable as int, or defaultVal if not set.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		slog.Warn("Ignoring invalid integer environment variable", "key", key)
	}
	return defaultVal
}

// getEnvString returns an environment variable as string, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvFloat returns an environment variable as float64, or defaultVal if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		slog.Warn("Ignoring invalid float environment variable", "key", key)
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if not set.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(strings.ToLower(val)); err == nil {
			return b
		}
		slog.Warn("Ignoring invalid boolean environment variable", "key", key)
	}
	return defaultVal
}

// getEnvDuration returns an environment variable as a duration ("90s",
// "5m"), or defaultVal if not set.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		slog.Warn("Ignoring invalid duration environment variable", "key", key)
	}
	return defaultVal
}
