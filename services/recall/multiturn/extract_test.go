// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multiturn

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicExtractor_Entities(t *testing.T) {
	ex := NewHeuristicExtractor()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "mixed patterns in first-match order",
			text: "The Quick Sort runs on 16GB of RAM, see main.py and https://go.dev/doc.",
			want: []string{"Quick Sort", "16GB", "RAM", "main.py", "https://go.dev/doc", "go.dev"},
		},
		{
			name: "patterns nested in a url still match",
			text: "grab https://example.com/setup.py first",
			want: []string{"https://example.com/setup.py", "example.com", "setup.py"},
		},
		{
			name: "measurements with symbols",
			text: "CPU at 3.2 GHz hit 85°C and 90% load",
			want: []string{"CPU", "3.2 GHz", "85°C", "90%"},
		},
		{
			name: "bare domain",
			text: "docs live on weaviate.io now",
			want: []string{"weaviate.io"},
		},
		{
			name: "duplicates removed case-insensitively",
			text: "Use API keys. The API rotates. Api docs.",
			want: []string{"API"},
		},
		{
			name: "stop-word-only sequence dropped",
			text: "What Is this about",
			want: []string{},
		},
		{
			name: "nothing to find",
			text: "just lowercase words here",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ex.ExtractEntities(tt.text))
		})
	}
}

func TestHeuristicExtractor_EntitiesCapped(t *testing.T) {
	var parts []string
	for i := 0; i < 20; i++ {
		parts = append(parts, fmt.Sprintf("file%d.go", i))
	}
	got := NewHeuristicExtractor().ExtractEntities(strings.Join(parts, " "))
	require.Len(t, got, MaxEntitiesPerTurn)
	assert.Equal(t, "file0.go", got[0])
	assert.Equal(t, "file9.go", got[9])
}

func TestHeuristicExtractor_Topics(t *testing.T) {
	ex := NewHeuristicExtractor()

	got := ex.ExtractTopics("How to implement quick sort in Python with Docker?")
	assert.Equal(t, []string{"implement quick sort in", "sort", "python", "docker"}, got)

	got = ex.ExtractTopics("What is the Kubernetes scheduler")
	assert.Equal(t, []string{"kubernetes scheduler", "kubernetes"}, got)

	got = ex.ExtractTopics("I like JavaScript and machine   learning")
	assert.Equal(t, []string{"javascript", "machine learning"}, got)
}

func TestHeuristicExtractor_TopicsRespectWordBoundaries(t *testing.T) {
	ex := NewHeuristicExtractor()
	assert.Equal(t, []string{"javascript"}, ex.ExtractTopics("javascript only"))
	assert.Equal(t, []string{"c++"}, ex.ExtractTopics("written in C++ mostly"))
	assert.Empty(t, ex.ExtractTopics("sorted shortcuts"))
}

func TestHeuristicExtractor_TopicsCapped(t *testing.T) {
	text := "python java rust ruby php scala docker kubernetes redis kafka"
	got := NewHeuristicExtractor().ExtractTopics(text)
	require.Len(t, got, MaxTopicsPerTurn)
	assert.Equal(t, "python", got[0])
}

func TestParseVocabulary(t *testing.T) {
	v, err := ParseVocabulary([]byte("languages: [Zig]\nconcepts: [\"Event Sourcing\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"zig", "event sourcing"}, v.Terms())

	ex := NewHeuristicExtractorWithVocabulary(v)
	assert.Equal(t, []string{"event sourcing", "zig"}, ex.ExtractTopics("event sourcing in Zig"))

	_, err = ParseVocabulary([]byte("languages: {"))
	assert.Error(t, err)
}

func TestDefaultVocabularyLoads(t *testing.T) {
	terms := DefaultVocabulary().Terms()
	assert.Contains(t, terms, "python")
	assert.Contains(t, terms, "machine learning")
}
