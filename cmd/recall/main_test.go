// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/recall/config"
	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

func sortingCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "quicksort.md"),
		"Quicksort picks a pivot and partitions the slice around it. It is not stable.")
	writeFile(t, filepath.Join(dir, "algos", "mergesort.txt"),
		"Mergesort splits the slice in half and merges sorted halves. It is stable.")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(dir, "blob.bin"), string([]byte{0xff, 0xfe, 0x00, 0x01}))
	return dir
}

// =============================================================================
// Corpus Tests
// =============================================================================

func TestChunkCorpus_SkipsHiddenAndBinary(t *testing.T) {
	docs, err := chunkCorpus(sortingCorpus(t), 1000, 100)
	require.NoError(t, err)

	sources := make([]string, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, d.Source)
		assert.NotEmpty(t, d.ID)
	}
	assert.ElementsMatch(t, []string{"quicksort.md", "algos/mergesort.txt"}, sources)
}

func TestChunkCorpus_SplitsLongFilesWithStableIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "long.txt"), strings.Repeat("pivot partition merge stable ", 40))

	first, err := chunkCorpus(dir, 100, 10)
	require.NoError(t, err)
	require.Greater(t, len(first), 1)

	second, err := chunkCorpus(dir, 100, 10)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "chunk %d id must be deterministic", i)
	}
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestChunkCorpus_MissingDir(t *testing.T) {
	_, err := chunkCorpus(filepath.Join(t.TempDir(), "nope"), 1000, 100)
	assert.Error(t, err)
}

// =============================================================================
// History Tests
// =============================================================================

func TestReadHistory(t *testing.T) {
	history, err := readHistory("")
	require.NoError(t, err)
	assert.Nil(t, history)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	writeFile(t, good, `[{"role":"user","content":"What is a pivot?"},{"role":"assistant","content":"The partition element."}]`)
	history, err = readHistory(good)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	badRole := filepath.Join(dir, "bad_role.json")
	writeFile(t, badRole, `[{"role":"narrator","content":"x"}]`)
	_, err = readHistory(badRole)
	assert.ErrorContains(t, err, "history message 0")

	notJSON := filepath.Join(dir, "bad.json")
	writeFile(t, notJSON, `{`)
	_, err = readHistory(notJSON)
	assert.Error(t, err)
}

func TestIndexHistory_StoresExchangesInSession(t *testing.T) {
	store, err := vectorstore.NewBleveStore()
	require.NoError(t, err)
	defer store.Close()

	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "How does quicksort pick a pivot?"},
		{Role: datatypes.RoleAssistant, Content: "Usually the last element."},
		{Role: datatypes.RoleUser, Content: "Is mergesort stable?"},
	}
	require.NoError(t, indexHistory(context.Background(), store, history, datatypes.PairingPositional))
	assert.Equal(t, 2, store.Count(vectorstore.CorpusConversations))

	results, err := store.Search(context.Background(), vectorstore.CorpusConversations, "pivot",
		vectorstore.Filters{SessionID: querySession})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Text, "User: How does quicksort pick a pivot?")
	assert.Equal(t, "Usually the last element.", results[0].Metadata["answer"])
}

// =============================================================================
// Command Tests
// =============================================================================

func TestQueryCommand_PrintsMultiTurnResults(t *testing.T) {
	corpus := sortingCorpus(t)
	historyPath := filepath.Join(t.TempDir(), "history.json")
	writeFile(t, historyPath, `[
		{"role":"user","content":"How does Quicksort pick a pivot?"},
		{"role":"assistant","content":"Quicksort picks the last element as pivot."}
	]`)
	t.Setenv(config.EnvLogLevel, "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"query", "--corpus", corpus, "--history", historyPath, "is", "it", "stable"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		queryCorpusDir, queryHistoryPath, queryTopK, queryIncremental = "", "", 0, false
	})

	require.NoError(t, rootCmd.Execute())

	var results datatypes.MultiTurnResults
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	assert.False(t, results.Fallback)
	assert.Len(t, results.TurnContexts, 1)
	assert.NotEmpty(t, results.CombinedDocs)
}

func TestIndexBatches(t *testing.T) {
	docs := make([]vectorstore.Document, 250)
	var sizes []int
	idx := indexerFunc(func(_ context.Context, corpus vectorstore.Corpus, batch []vectorstore.Document) (int, error) {
		assert.Equal(t, vectorstore.CorpusDocuments, corpus)
		sizes = append(sizes, len(batch))
		return len(batch), nil
	})

	stored, err := indexBatches(context.Background(), idx, docs)
	require.NoError(t, err)
	assert.Equal(t, 250, stored)
	assert.Equal(t, []int{100, 100, 50}, sizes)

	calls := 0
	failing := indexerFunc(func(context.Context, vectorstore.Corpus, []vectorstore.Document) (int, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("weaviate unavailable")
		}
		return 100, nil
	})
	stored, err = indexBatches(context.Background(), failing, docs)
	assert.ErrorContains(t, err, "batch 100-200")
	assert.Equal(t, 100, stored)
}

type indexerFunc func(ctx context.Context, corpus vectorstore.Corpus, docs []vectorstore.Document) (int, error)

func (f indexerFunc) Index(ctx context.Context, corpus vectorstore.Corpus, docs []vectorstore.Document) (int, error) {
	return f(ctx, corpus, docs)
}

// =============================================================================
// Tracing Tests
// =============================================================================

func TestInitTracer(t *testing.T) {
	shutdown, err := initTracer(context.Background(), config.TracingConfig{Exporter: config.TracingNone})
	require.NoError(t, err)
	shutdown(context.Background())

	shutdown, err = initTracer(context.Background(), config.TracingConfig{Exporter: config.TracingStdout, SampleRatio: 1})
	require.NoError(t, err)
	shutdown(context.Background())

	_, err = initTracer(context.Background(), config.TracingConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestInitMeter(t *testing.T) {
	shutdown, err := initMeter(context.Background(), config.TracingConfig{MetricExporter: config.TracingNone})
	require.NoError(t, err)
	shutdown(context.Background())

	shutdown, err = initMeter(context.Background(), config.TracingConfig{MetricExporter: config.TracingStdout})
	require.NoError(t, err)
	shutdown(context.Background())

	_, err = initMeter(context.Background(), config.TracingConfig{MetricExporter: "graphite"})
	assert.Error(t, err)
}

func TestNewExtractor(t *testing.T) {
	ex, err := newExtractor(config.ExtractorConfig{Kind: config.ExtractorHeuristic})
	require.NoError(t, err)
	assert.IsType(t, &multiturn.HeuristicExtractor{}, ex)

	llm := multiturn.DefaultLLMConfig()
	ex, err = newExtractor(config.ExtractorConfig{Kind: config.ExtractorLLM, LLM: llm})
	require.NoError(t, err)
	assert.IsType(t, &multiturn.LLMExtractor{}, ex)

	llm.Model = ""
	ex, err = newExtractor(config.ExtractorConfig{Kind: config.ExtractorLLM, LLM: llm})
	assert.ErrorContains(t, err, "model is required")
	assert.Nil(t, ex)

	_, err = newExtractor(config.ExtractorConfig{Kind: "spacy"})
	assert.ErrorContains(t, err, `unknown extractor "spacy"`)
}
