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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
	"github.com/AleutianAI/AleutianRecall/services/recall/retriever"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

// querySession scopes the conversations indexed from --history.
const querySession = "cli"

var (
	queryCorpusDir   string
	queryHistoryPath string
	queryTopK        int
	queryIncremental bool

	queryCmd = &cobra.Command{
		Use:   "query [question]",
		Short: "Run one multi-turn retrieval against a local corpus",
		Long: `query loads --corpus into an in-process lexical index, indexes the
exchanges from --history as past conversation, and prints the retrieval
result as JSON. With --incremental the three retrieval phases are printed
as they complete, one JSON object per line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQuery,
	}
)

func init() {
	queryCmd.Flags().StringVar(&queryCorpusDir, "corpus", "", "Directory of documents to search (required)")
	queryCmd.Flags().StringVar(&queryHistoryPath, "history", "", "JSON file with [{\"role\":..., \"content\":...}] messages")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "Retriever budget (default from config)")
	queryCmd.Flags().BoolVar(&queryIncremental, "incremental", false, "Print the three retrieval phases instead")
	_ = queryCmd.MarkFlagRequired("corpus")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	question := strings.Join(args, " ")

	history, err := readHistory(queryHistoryPath)
	if err != nil {
		return err
	}

	store, err := vectorstore.NewBleveStore()
	if err != nil {
		return err
	}
	defer store.Close()

	docs, err := chunkCorpus(queryCorpusDir, cfg.Bleve.ChunkSize, cfg.Bleve.ChunkOverlap)
	if err != nil {
		return err
	}
	if _, err := store.Index(ctx, vectorstore.CorpusDocuments, docs); err != nil {
		return fmt.Errorf("index corpus: %w", err)
	}
	settings := cfg.MultiTurnSettings()
	if err := indexHistory(ctx, store, history, settings.PairingStrategy); err != nil {
		return err
	}

	topK := cfg.Retriever.TopK
	if queryTopK > 0 {
		topK = queryTopK
	}
	r := retriever.New(store, retriever.Options{TopK: topK, SessionID: querySession})

	out := cmd.OutOrStdout()
	if queryIncremental {
		enc := json.NewEncoder(out)
		for phase := range r.GetRelevantDocumentsIncremental(ctx, question) {
			if err := enc.Encode(phase); err != nil {
				return err
			}
		}
		return ctx.Err()
	}

	extractor, err := newExtractor(cfg.Extractor)
	if err != nil {
		return err
	}
	svc := multiturn.NewService(multiturn.Options{Config: &settings, Extractor: extractor})
	results := svc.PerformMultiTurnRetrieval(ctx, question, history, r, nil)
	return writeJSON(out, results)
}

// readHistory loads a message list. An empty path means no history.
func readHistory(path string) ([]datatypes.Message, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var history []datatypes.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	for i := range history {
		if err := datatypes.ValidateStruct(&history[i]); err != nil {
			return nil, fmt.Errorf("history message %d: %w", i, err)
		}
	}
	return history, nil
}

// indexHistory stores each user/assistant exchange in the conversations
// corpus under querySession.
func indexHistory(ctx context.Context, idx vectorstore.Indexer, history []datatypes.Message, strategy datatypes.PairingStrategy) error {
	turns := multiturn.PairTurns(history, strategy)
	if len(turns) == 0 {
		return nil
	}
	docs := make([]vectorstore.Document, 0, len(turns))
	for _, t := range turns {
		docs = append(docs, vectorstore.Document{
			ID:   fmt.Sprintf("%s-turn-%d", querySession, t.Index),
			Text: datatypes.FormatExchange(t.User, t.Assistant),
			Metadata: map[string]string{
				"answer":      t.Assistant,
				"session_id":  querySession,
				"turn_number": strconv.Itoa(t.Index),
			},
		})
	}
	if _, err := idx.Index(ctx, vectorstore.CorpusConversations, docs); err != nil {
		return fmt.Errorf("index history: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
