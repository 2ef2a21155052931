// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WeaviateConfig holds class names and limits for the Weaviate store.
//
// # Fields
//
//   - DocumentClass: Class holding reference documents. Default: "Document"
//   - ConversationClass: Class holding exchanges. Default: "Conversation"
//   - DataSpace: Optional data_space filter for the document class.
//   - DefaultTopK: Limit used when Filters.TopK < 1. Default: 10
//   - MaxQueryLength: Query text is truncated to this many runes. Default: 2000
type WeaviateConfig struct {
	DocumentClass     string `yaml:"document_class" validate:"required"`
	ConversationClass string `yaml:"conversation_class" validate:"required"`
	DataSpace         string `yaml:"data_space"`
	DefaultTopK       int    `yaml:"default_top_k" validate:"gte=1"`
	MaxQueryLength    int    `yaml:"max_query_length" validate:"gte=1"`
}

// DefaultWeaviateConfig returns the default class layout.
func DefaultWeaviateConfig() WeaviateConfig {
	return WeaviateConfig{
		DocumentClass:     "Document",
		ConversationClass: "Conversation",
		DefaultTopK:       10,
		MaxQueryLength:    2000,
	}
}

// WeaviateStore implements Store and Indexer on top of Weaviate.
//
// # Description
//
// Searches use nearText, so the target classes must be configured with a
// text vectorizer module. Certainty is used as the score (always [0,1]).
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client pools connections.
//
// # Example
//
//	client, _ := weaviate.NewClient(weaviate.Config{Host: "localhost:8080", Scheme: "http"})
//	store, _ := NewWeaviateStore(client, DefaultWeaviateConfig())
//	results, err := store.Search(ctx, CorpusDocuments, "quick sort", Filters{TopK: 7})
type WeaviateStore struct {
	client *weaviate.Client
	config WeaviateConfig
}

// NewWeaviateStore creates a store. Zero config values fall back to defaults.
func NewWeaviateStore(client *weaviate.Client, config WeaviateConfig) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("weaviate client must not be nil")
	}
	defaults := DefaultWeaviateConfig()
	if config.DocumentClass == "" {
		config.DocumentClass = defaults.DocumentClass
	}
	if config.ConversationClass == "" {
		config.ConversationClass = defaults.ConversationClass
	}
	if config.DefaultTopK < 1 {
		config.DefaultTopK = defaults.DefaultTopK
	}
	if config.MaxQueryLength < 1 {
		config.MaxQueryLength = defaults.MaxQueryLength
	}
	return &WeaviateStore{client: client, config: config}, nil
}

// truncateQuery keeps at most maxRunes runes of query, cutting on a rune
// boundary.
func truncateQuery(query string, maxRunes int) string {
	n := 0
	for i := range query {
		if n == maxRunes {
			return query[:i]
		}
		n++
	}
	return query
}

// Search runs a nearText query against the class backing corpus.
func (s *WeaviateStore) Search(ctx context.Context, corpus Corpus, query string, f Filters) ([]datatypes.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("corpus", string(corpus)))

	if !corpus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCorpus, corpus)
	}

	if truncated := truncateQuery(query, s.config.MaxQueryLength); len(truncated) < len(query) {
		slog.Debug("Truncated query for nearText", "originalLen", len(query), "truncatedLen", len(truncated))
		query = truncated
	}

	limit := f.TopK
	if limit < 1 {
		limit = s.config.DefaultTopK
	}

	className, fields := s.classFor(corpus)
	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	get := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit)

	if where := s.buildWhere(corpus, f); where != nil {
		get = get.WithWhere(where)
	}

	resp, err := get.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	var results []datatypes.SearchResult
	switch corpus {
	case CorpusDocuments:
		results, err = parseDocumentResults(resp, className)
	default:
		results, err = parseConversationResults(resp, className)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Weaviate orders by vector distance already; re-sort on certainty so the
	// contract holds even when only distance was returned.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (s *WeaviateStore) classFor(corpus Corpus) (string, []graphql.Field) {
	additional := graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
		{Name: "distance"},
	}}
	if corpus == CorpusDocuments {
		return s.config.DocumentClass, []graphql.Field{
			{Name: "content"},
			{Name: "source"},
			{Name: "data_space"},
			additional,
		}
	}
	return s.config.ConversationClass, []graphql.Field{
		{Name: "session_id"},
		{Name: "question"},
		{Name: "answer"},
		{Name: "timestamp"},
		{Name: "turn_number"},
		additional,
	}
}

// buildWhere combines data space, session and attribute filters with AND.
// Returns nil when there is nothing to filter on.
func (s *WeaviateStore) buildWhere(corpus Corpus, f Filters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if corpus == CorpusDocuments && s.config.DataSpace != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"data_space"}).
			WithOperator(filters.Equal).
			WithValueString(s.config.DataSpace))
	}

	if corpus == CorpusConversations && f.SessionID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(f.SessionID))
	}

	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueString(f.Attributes[k]))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

func parseDocumentResults(resp *models.GraphQLResponse, className string) ([]datatypes.SearchResult, error) {
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClassQueryResponse[datatypes.DocumentResult]](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document results: %w", err)
	}

	objects := parsed.Objects(className)
	results := make([]datatypes.SearchResult, 0, len(objects))
	for _, doc := range objects {
		results = append(results, datatypes.SearchResult{
			ID:   doc.Additional.ID,
			Text: doc.Content,
			Metadata: map[string]any{
				datatypes.MetaCorpus: string(CorpusDocuments),
				datatypes.MetaSource: doc.Source,
				"data_space":         doc.DataSpace,
			},
			Score: doc.Additional.Score(),
		})
	}
	return results, nil
}

func parseConversationResults(resp *models.GraphQLResponse, className string) ([]datatypes.SearchResult, error) {
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClassQueryResponse[datatypes.ConversationResult]](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse conversation results: %w", err)
	}

	objects := parsed.Objects(className)
	results := make([]datatypes.SearchResult, 0, len(objects))
	for _, conv := range objects {
		meta := map[string]any{
			datatypes.MetaCorpus: string(CorpusConversations),
			"session_id":         conv.SessionID,
			"timestamp":          conv.Timestamp,
		}
		if conv.TurnNumber != nil {
			meta["turn_number"] = *conv.TurnNumber
		}
		results = append(results, datatypes.SearchResult{
			ID:       conv.Additional.ID,
			Text:     datatypes.FormatExchange(conv.Question, conv.Answer),
			Metadata: meta,
			Score:    conv.Additional.Score(),
		})
	}
	return results, nil
}

// Index writes docs to the class backing corpus in one batch request.
//
// # Description
//
// Object IDs are derived from a SHA-256 of the corpus and text so that
// re-ingesting the same chunk overwrites instead of duplicating. For the
// conversation corpus, Metadata["answer"], Metadata["session_id"] and
// Metadata["turn_number"] populate the matching properties.
//
// # Outputs
//
//   - int: Number of objects Weaviate reported as stored.
//   - error: Non-nil if the batch request failed.
func (s *WeaviateStore) Index(ctx context.Context, corpus Corpus, docs []Document) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Index")
	defer span.End()

	if !corpus.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCorpus, corpus)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	className, _ := s.classFor(corpus)
	now := time.Now().UnixMilli()
	objects := make([]*models.Object, 0, len(docs))
	for _, doc := range docs {
		objects = append(objects, &models.Object{
			Class:      className,
			ID:         strfmt.UUID(objectID(corpus, doc)),
			Properties: s.propertiesFor(corpus, doc, now),
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "class", className, "error", e.Message)
			}
		}
	}
	return stored, nil
}

func (s *WeaviateStore) propertiesFor(corpus Corpus, doc Document, now int64) map[string]interface{} {
	if corpus == CorpusDocuments {
		props := map[string]interface{}{
			"content":     doc.Text,
			"source":      doc.Source,
			"data_space":  s.config.DataSpace,
			"ingested_at": now,
		}
		for k, v := range doc.Metadata {
			props[k] = v
		}
		return props
	}
	props := map[string]interface{}{
		"question":   doc.Text,
		"answer":     doc.Metadata["answer"],
		"session_id": doc.Metadata["session_id"],
		"timestamp":  now,
	}
	if tn, err := strconv.Atoi(doc.Metadata["turn_number"]); err == nil {
		props["turn_number"] = tn
	}
	return props
}

func objectID(corpus Corpus, doc Document) string {
	if doc.ID != "" {
		if parsed, err := uuid.Parse(doc.ID); err == nil {
			return parsed.String()
		}
	}
	hash := sha256.Sum256([]byte(string(corpus) + "\x00" + doc.Source + "\x00" + doc.Text))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}
