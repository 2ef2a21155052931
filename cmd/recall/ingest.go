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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRecall/services/recall/config"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

// ingestBatchSize bounds the objects sent per Weaviate batch request.
const ingestBatchSize = 100

var (
	ingestDryRun bool

	ingestCmd = &cobra.Command{
		Use:   "ingest [directory...]",
		Short: "Chunk directories and index them into the documents corpus",
		Long: `ingest splits every text file under the given directories into
overlapping chunks and writes them to the configured Weaviate instance.
Re-ingesting a file overwrites its chunks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
)

func init() {
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Chunk and report without writing")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()

	var docs []vectorstore.Document
	for _, dir := range args {
		chunks, err := chunkCorpus(dir, cfg.Bleve.ChunkSize, cfg.Bleve.ChunkOverlap)
		if err != nil {
			return err
		}
		slog.Info("Chunked directory", "dir", dir, "chunks", len(chunks))
		docs = append(docs, chunks...)
	}

	if ingestDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "%d chunks from %d directories (dry run)\n", len(docs), len(args))
		return nil
	}
	if cfg.Retriever.Backend != config.BackendWeaviate {
		return fmt.Errorf("ingest requires the weaviate backend, got %q", cfg.Retriever.Backend)
	}

	client, err := newWeaviateClient(cfg.Weaviate)
	if err != nil {
		return err
	}
	store, err := vectorstore.NewWeaviateStore(client, cfg.Weaviate.WeaviateConfig)
	if err != nil {
		return err
	}

	stored, err := indexBatches(ctx, store, docs)
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d of %d chunks\n", stored, len(docs))
	return err
}

// indexBatches writes docs in ingestBatchSize slices and stops at the
// first failed request.
func indexBatches(ctx context.Context, idx vectorstore.Indexer, docs []vectorstore.Document) (int, error) {
	stored := 0
	for start := 0; start < len(docs); start += ingestBatchSize {
		end := min(start+ingestBatchSize, len(docs))
		n, err := idx.Index(ctx, vectorstore.CorpusDocuments, docs[start:end])
		stored += n
		if err != nil {
			return stored, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		if n < end-start {
			slog.Warn("Some chunks were rejected", "batch_start", start, "rejected", end-start-n)
		}
	}
	return stored, nil
}
