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
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"

	"github.com/AleutianAI/AleutianRecall/services/recall/config"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

// maxCorpusFileBytes skips files that are unlikely to be prose.
const maxCorpusFileBytes = 4 << 20

// indexingStore is a backend that can both search and ingest.
type indexingStore interface {
	vectorstore.Store
	vectorstore.Indexer
}

// newWeaviateClient builds a client from the connection settings.
func newWeaviateClient(cfg config.WeaviateConfig) (*weaviate.Client, error) {
	clientConf := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("create Weaviate client: %w", err)
	}
	return client, nil
}

// openBackend returns the configured backend, unwrapped. The bleve backend
// is seeded from Bleve.CorpusDir when one is set.
func openBackend(ctx context.Context, cfg *config.Config) (indexingStore, func(), error) {
	switch cfg.Retriever.Backend {
	case config.BackendWeaviate:
		client, err := newWeaviateClient(cfg.Weaviate)
		if err != nil {
			return nil, nil, err
		}
		store, err := vectorstore.NewWeaviateStore(client, cfg.Weaviate.WeaviateConfig)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using Weaviate backend", "host", cfg.Weaviate.Host, "scheme", cfg.Weaviate.Scheme)
		return store, func() {}, nil

	case config.BackendBleve:
		store, err := vectorstore.NewBleveStore()
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				slog.Warn("Failed to close bleve store", "error", err)
			}
		}
		if cfg.Bleve.CorpusDir != "" {
			docs, err := chunkCorpus(cfg.Bleve.CorpusDir, cfg.Bleve.ChunkSize, cfg.Bleve.ChunkOverlap)
			if err != nil {
				closeFn()
				return nil, nil, err
			}
			n, err := store.Index(ctx, vectorstore.CorpusDocuments, docs)
			if err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("index corpus: %w", err)
			}
			slog.Info("Loaded bleve corpus", "dir", cfg.Bleve.CorpusDir, "chunks", n)
		}
		return store, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Retriever.Backend)
	}
}

// wrapStore adds rate limiting and caching. The cache sits outermost so
// hits never consume limiter tokens.
func wrapStore(inner vectorstore.Store, cfg *config.Config) vectorstore.Store {
	limited := vectorstore.NewRateLimitedStore(inner, cfg.RateLimit)
	return vectorstore.NewCachedStore(limited, cfg.Cache)
}

// chunkCorpus walks dir and splits every readable text file into chunks.
//
// # Description
//
// Hidden files and directories are skipped, as are files that are larger
// than maxCorpusFileBytes or not valid UTF-8. Chunk IDs are derived from the
// relative path and chunk index, so re-ingesting a file overwrites its
// previous chunks instead of duplicating them.
//
// # Outputs
//
//   - []vectorstore.Document: One document per chunk, Source set to the
//     path relative to dir.
//   - error: Non-nil if dir cannot be walked or the splitter fails.
func chunkCorpus(dir string, chunkSize, chunkOverlap int) ([]vectorstore.Document, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	var docs []vectorstore.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxCorpusFileBytes {
			slog.Debug("Skipping large file", "path", path, "bytes", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			slog.Debug("Skipping non-text file", "path", path)
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		chunks, err := splitter.SplitText(string(data))
		if err != nil {
			return fmt.Errorf("split %s: %w", rel, err)
		}
		for i, chunk := range chunks {
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			docs = append(docs, vectorstore.Document{
				ID:     uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s#%d", rel, i)).String(),
				Text:   chunk,
				Source: rel,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus %s: %w", dir, err)
	}
	return docs, nil
}
