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
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

const (
	bleveTextField    = "text"
	bleveSessionField = "session_id"
	bleveSourceField  = "source"
)

// BleveStore is an in-process lexical Store backed by memory-only bleve
// indexes, one per corpus.
//
// # Description
//
// BM25-style scores from bleve are unbounded, so they are squashed into
// [0,1) with s/(1+s) to sit alongside certainty scores from Weaviate.
// Property filters are matched exactly: all non-text fields are indexed with
// the keyword analyzer.
//
// # Thread Safety
//
// Safe for concurrent use. bleve indexes are internally synchronized; the
// document table is guarded by a RWMutex.
type BleveStore struct {
	indexes map[Corpus]bleve.Index

	mu   sync.RWMutex
	docs map[Corpus]map[string]Document
}

// NewBleveStore creates empty in-memory indexes for both corpora.
func NewBleveStore() (*BleveStore, error) {
	s := &BleveStore{
		indexes: make(map[Corpus]bleve.Index, 2),
		docs:    make(map[Corpus]map[string]Document, 2),
	}
	for _, corpus := range []Corpus{CorpusDocuments, CorpusConversations} {
		idx, err := bleve.NewMemOnly(newBleveMapping())
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to create %s index: %w", corpus, err)
		}
		s.indexes[corpus] = idx
		s.docs[corpus] = make(map[string]Document)
	}
	return s, nil
}

func newBleveMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(bleveTextField, text)

	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = keyword.Name
	im.DefaultMapping = doc
	return im
}

// Index adds docs to corpus. Documents without an ID get a random UUID.
func (s *BleveStore) Index(ctx context.Context, corpus Corpus, docs []Document) (int, error) {
	idx, ok := s.indexes[corpus]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCorpus, corpus)
	}

	batch := idx.NewBatch()
	prepared := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		fields := map[string]interface{}{
			bleveTextField:   doc.Text,
			bleveSourceField: doc.Source,
		}
		for k, v := range doc.Metadata {
			fields[k] = v
		}
		if err := batch.Index(doc.ID, fields); err != nil {
			return 0, fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
		prepared = append(prepared, doc)
	}

	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	s.mu.Lock()
	for _, doc := range prepared {
		s.docs[corpus][doc.ID] = doc
	}
	s.mu.Unlock()

	return len(prepared), nil
}

// Search runs a match query on the text field, ANDed with exact filters.
func (s *BleveStore) Search(ctx context.Context, corpus Corpus, queryStr string, f Filters) ([]datatypes.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "BleveStore.Search")
	defer span.End()

	idx, ok := s.indexes[corpus]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCorpus, corpus)
	}
	if queryStr == "" {
		return []datatypes.SearchResult{}, nil
	}

	limit := f.TopK
	if limit < 1 {
		limit = 10
	}

	req := bleve.NewSearchRequestOptions(buildBleveQuery(queryStr, f), limit, 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]datatypes.SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, ok := s.docs[corpus][hit.ID]
		if !ok {
			continue
		}
		meta := map[string]any{datatypes.MetaCorpus: string(corpus)}
		if doc.Source != "" {
			meta[datatypes.MetaSource] = doc.Source
		}
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		results = append(results, datatypes.SearchResult{
			ID:       doc.ID,
			Text:     doc.Text,
			Metadata: meta,
			Score:    normalizeLexicalScore(hit.Score),
		})
	}
	return results, nil
}

func buildBleveQuery(queryStr string, f Filters) query.Query {
	match := bleve.NewMatchQuery(queryStr)
	match.SetField(bleveTextField)

	var filtersQ []query.Query
	if f.SessionID != "" {
		tq := bleve.NewTermQuery(f.SessionID)
		tq.SetField(bleveSessionField)
		filtersQ = append(filtersQ, tq)
	}
	for field, value := range f.Attributes {
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		filtersQ = append(filtersQ, tq)
	}

	if len(filtersQ) == 0 {
		return match
	}

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(match)
	boolQuery.AddMust(filtersQ...)
	return boolQuery
}

// normalizeLexicalScore maps an unbounded non-negative score into [0,1).
func normalizeLexicalScore(score float64) float64 {
	if score < 0 {
		score = -score
	}
	return score / (1 + score)
}

// Count returns the number of documents indexed in corpus.
func (s *BleveStore) Count(corpus Corpus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[corpus])
}

// Close releases both indexes.
func (s *BleveStore) Close() error {
	var errs []error
	for corpus, idx := range s.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s index: %w", corpus, err))
		}
	}
	return errors.Join(errs...)
}
