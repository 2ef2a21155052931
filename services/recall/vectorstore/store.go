// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore defines the search boundary the retrieval engine
// depends on, together with concrete stores and composable decorators.
//
// # Description
//
// The engine only needs query-by-text with filters over two corpora: the
// document corpus and the conversation-history corpus. Store captures that
// capability. Implementations:
//   - WeaviateStore: nearText search against a Weaviate deployment.
//   - BleveStore: in-process lexical index, used by the CLI and tests.
//
// Decorators (CachedStore, RateLimitedStore) wrap any Store.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. From the engine's
// perspective a store is a shared, read-only resource.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.recall.vectorstore")

// ErrUnknownCorpus is returned when a store is asked for a corpus it does not hold.
var ErrUnknownCorpus = errors.New("unknown corpus")

// Corpus identifies one of the two searchable collections.
type Corpus string

const (
	// CorpusDocuments holds ingested reference documents.
	CorpusDocuments Corpus = "documents"

	// CorpusConversations holds prior conversation exchanges.
	CorpusConversations Corpus = "conversations"
)

// Valid reports whether c is a known corpus.
func (c Corpus) Valid() bool {
	return c == CorpusDocuments || c == CorpusConversations
}

// Filters narrows a search.
//
// # Fields
//
//   - TopK: Maximum number of results. Values < 1 mean "store default".
//   - SessionID: Restricts conversation search to one session (data space).
//   - Attributes: Exact-match property filters, applied with AND.
type Filters struct {
	TopK       int
	SessionID  string
	Attributes map[string]string
}

// Key returns a stable string form of the filters, used for cache keys.
func (f Filters) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "k=%d|s=%s", f.TopK, f.SessionID)
	if len(f.Attributes) > 0 {
		keys := make([]string, 0, len(f.Attributes))
		for k := range f.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%s", k, f.Attributes[k])
		}
	}
	return b.String()
}

// Store is the query-by-text capability of a vector index.
type Store interface {
	// Search returns results for query in corpus, best first.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout.
	//   - corpus: Which collection to search.
	//   - query: Free text.
	//   - filters: TopK and property filters.
	//
	// # Outputs
	//
	//   - []datatypes.SearchResult: Ordered by descending score.
	//   - error: Non-nil on transport, query or parse failure.
	Search(ctx context.Context, corpus Corpus, query string, filters Filters) ([]datatypes.SearchResult, error)
}

// Document is a unit of text to be indexed into a corpus.
type Document struct {
	ID       string
	Text     string
	Source   string
	Metadata map[string]string
}

// Indexer is implemented by stores that can ingest documents. The engine
// itself never writes; the CLI uses this to seed a corpus.
type Indexer interface {
	Index(ctx context.Context, corpus Corpus, docs []Document) (int, error)
}

// StoreFunc adapts a plain function to the Store interface.
type StoreFunc func(ctx context.Context, corpus Corpus, query string, filters Filters) ([]datatypes.SearchResult, error)

// Search calls f.
func (f StoreFunc) Search(ctx context.Context, corpus Corpus, query string, filters Filters) ([]datatypes.SearchResult, error) {
	return f(ctx, corpus, query, filters)
}
