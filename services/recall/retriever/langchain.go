// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"

	"github.com/tmc/langchaingo/schema"
)

// LangchainRetriever exposes a VectorStoreRetriever as a langchaingo
// schema.Retriever so it can back RetrievalQA and similar chains.
type LangchainRetriever struct {
	inner *VectorStoreRetriever
}

var _ schema.Retriever = (*LangchainRetriever)(nil)

// NewLangchainRetriever wraps r.
func NewLangchainRetriever(r *VectorStoreRetriever) *LangchainRetriever {
	return &LangchainRetriever{inner: r}
}

// GetRelevantDocuments runs the blended search and converts the results.
// The result ID is kept in metadata under "id".
func (l *LangchainRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	results, err := l.inner.GetRelevantDocuments(ctx, query)
	if err != nil {
		return nil, err
	}

	docs := make([]schema.Document, 0, len(results))
	for _, res := range results {
		meta := make(map[string]any, len(res.Metadata)+1)
		for k, v := range res.Metadata {
			meta[k] = v
		}
		meta["id"] = res.ID
		docs = append(docs, schema.Document{
			PageContent: res.Text,
			Metadata:    meta,
			Score:       float32(res.Score),
		})
	}
	return docs, nil
}
