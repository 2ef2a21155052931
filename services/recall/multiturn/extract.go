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
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Extraction caps.
const (
	MaxEntitiesPerTurn = 10
	MaxTopicsPerTurn   = 8

	maxTriggerWords = 4
)

// Extractor finds entities and topics in a turn's text.
//
// # Description
//
// Implementations must be deterministic and safe for concurrent use. The
// fusion step only relies on the returned strings, so a tokenizer or model
// based extractor can replace HeuristicExtractor without other changes.
type Extractor interface {
	// ExtractEntities returns at most 10 entities in first-match order.
	ExtractEntities(text string) []string

	// ExtractTopics returns at most 8 lowercase topics.
	ExtractTopics(text string) []string
}

// =============================================================================
// Embedded word lists
// =============================================================================

//go:embed stopwords.txt
var stopWordsData string

//go:embed topics.yaml
var topicsData []byte

// Vocabulary is the fixed topic list matched by HeuristicExtractor.
type Vocabulary struct {
	Languages    []string `yaml:"languages"`
	Frameworks   []string `yaml:"frameworks"`
	Technologies []string `yaml:"technologies"`
	Concepts     []string `yaml:"concepts"`
}

// Terms returns every vocabulary entry, lowercased, in file order.
func (v Vocabulary) Terms() []string {
	var terms []string
	for _, group := range [][]string{v.Languages, v.Frameworks, v.Technologies, v.Concepts} {
		for _, t := range group {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				terms = append(terms, t)
			}
		}
	}
	return terms
}

// ParseVocabulary decodes a YAML topic vocabulary.
func ParseVocabulary(data []byte) (Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("failed to parse topic vocabulary: %w", err)
	}
	return v, nil
}

// DefaultVocabulary returns the built-in topic vocabulary.
var DefaultVocabulary = sync.OnceValue(func() Vocabulary {
	v, err := ParseVocabulary(topicsData)
	if err != nil {
		slog.Error("Built-in topic vocabulary is invalid, topic matching disabled", "error", err)
		return Vocabulary{}
	}
	return v
})

var stopWords = sync.OnceValue(func() map[string]struct{} {
	words := make(map[string]struct{})
	for _, line := range strings.Split(stopWordsData, "\n") {
		word := strings.TrimSpace(strings.ToLower(line))
		if word != "" && !strings.HasPrefix(word, "#") {
			words[word] = struct{}{}
		}
	}
	return words
})

func isStopWord(s string) bool {
	_, ok := stopWords()[strings.ToLower(s)]
	return ok
}

// =============================================================================
// Patterns
// =============================================================================

type entityKind int

const (
	kindCapitalized entityKind = iota
	kindAcronym
	kindMeasurement
	kindFile
	kindURL
	kindDomain
)

var entityPatterns = []struct {
	kind entityKind
	re   *regexp.Regexp
}{
	{kindCapitalized, regexp.MustCompile(`\b[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)+\b`)},
	{kindAcronym, regexp.MustCompile(`\b[A-Z]{2,}\b`)},
	{kindMeasurement, regexp.MustCompile(`\b\d+(?:\.\d+)?\s?(?:(?:GB|MB|KB|TB|GHz|MHz)\b|°[CF]|%)`)},
	{kindFile, regexp.MustCompile(`\b[\w-]+\.(?:go|py|js|ts|tsx|jsx|java|rb|rs|c|cpp|h|hpp|cs|php|swift|kt|json|yaml|yml|toml|xml|md|txt|csv|pdf|html|css|sql|sh|ini|log)\b`)},
	{kindURL, regexp.MustCompile(`https?://[^\s<>"')\]]+`)},
	{kindDomain, regexp.MustCompile(`\b(?:[A-Za-z0-9-]+\.)+(?:com|org|net|io|dev|ai|edu|gov|app)\b`)},
}

var triggerPattern = regexp.MustCompile(`(?i)\b(?:how to|what is|how does|why does|when to)\s+([^.?!,;:\n]+)`)

var leadingArticles = map[string]struct{}{"a": {}, "an": {}, "the": {}}

// =============================================================================
// HeuristicExtractor
// =============================================================================

// HeuristicExtractor is the default Extractor.
//
// # Description
//
// Entities are capitalized multi-word sequences, all-caps acronyms,
// number+unit tokens (GB, MB, KB, TB, GHz, MHz, °C, °F, %), file names with a
// known extension, URLs and bare domains. Every pattern matches the text
// independently, so a domain or file name inside a URL is reported on its
// own as well. Matches are ordered by position (longer first on a tie), stop
// words are dropped and duplicates are removed case-insensitively.
//
// Topics are vocabulary terms found on word boundaries plus up to four words
// captured after "how to", "what is", "how does", "why does" and "when to".
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type HeuristicExtractor struct {
	terms []*regexp.Regexp
	names []string
}

// NewHeuristicExtractor builds an extractor over the built-in vocabulary.
func NewHeuristicExtractor() *HeuristicExtractor {
	return NewHeuristicExtractorWithVocabulary(DefaultVocabulary())
}

// NewHeuristicExtractorWithVocabulary builds an extractor over v.
func NewHeuristicExtractorWithVocabulary(v Vocabulary) *HeuristicExtractor {
	e := &HeuristicExtractor{}
	for _, term := range v.Terms() {
		words := strings.Fields(term)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		pattern := `(?i)(?:^|[^\pL\pN_])(` + strings.Join(words, `\s+`) + `)(?:$|[^\pL\pN_+#])`
		e.terms = append(e.terms, regexp.MustCompile(pattern))
		e.names = append(e.names, term)
	}
	return e
}

type span struct {
	start, end int
	kind       entityKind
	text       string
}

// ExtractEntities implements Extractor.
func (e *HeuristicExtractor) ExtractEntities(text string) []string {
	var spans []span
	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{start: loc[0], end: loc[1], kind: p.kind, text: text[loc[0]:loc[1]]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	entities := make([]string, 0, MaxEntitiesPerTurn)
	seen := make(map[string]struct{})
	for _, s := range spans {
		candidate := cleanEntity(s)
		if candidate == "" || isStopWord(candidate) {
			continue
		}
		key := strings.ToLower(candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, candidate)
		if len(entities) == MaxEntitiesPerTurn {
			break
		}
	}
	return entities
}

// cleanEntity trims stop words from the ends of capitalized sequences and
// trailing punctuation from URLs.
func cleanEntity(s span) string {
	switch s.kind {
	case kindCapitalized:
		words := strings.Fields(s.text)
		for len(words) > 0 && isStopWord(words[0]) {
			words = words[1:]
		}
		for len(words) > 0 && isStopWord(words[len(words)-1]) {
			words = words[:len(words)-1]
		}
		return strings.Join(words, " ")
	case kindURL:
		return strings.TrimRight(s.text, ".,;:!?")
	default:
		return s.text
	}
}

// ExtractTopics implements Extractor.
func (e *HeuristicExtractor) ExtractTopics(text string) []string {
	type hit struct {
		pos   int
		topic string
	}
	var hits []hit

	for i, re := range e.terms {
		if loc := re.FindStringSubmatchIndex(text); loc != nil {
			hits = append(hits, hit{pos: loc[2], topic: e.names[i]})
		}
	}
	for _, loc := range triggerPattern.FindAllStringSubmatchIndex(text, -1) {
		if phrase := triggerPhrase(text[loc[2]:loc[3]]); phrase != "" {
			hits = append(hits, hit{pos: loc[2], topic: phrase})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	topics := make([]string, 0, MaxTopicsPerTurn)
	seen := make(map[string]struct{})
	for _, h := range hits {
		if _, dup := seen[h.topic]; dup {
			continue
		}
		seen[h.topic] = struct{}{}
		topics = append(topics, h.topic)
		if len(topics) == MaxTopicsPerTurn {
			break
		}
	}
	return topics
}

// triggerPhrase keeps up to four words after a trigger, without a leading
// article, lowercased.
func triggerPhrase(raw string) string {
	words := strings.Fields(raw)
	for len(words) > 0 {
		if _, ok := leadingArticles[strings.ToLower(words[0])]; !ok {
			break
		}
		words = words[1:]
	}
	if len(words) > maxTriggerWords {
		words = words[:maxTriggerWords]
	}

	cleaned := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.Trim(w, "\"'`()[]{}"); w != "" {
			cleaned = append(cleaned, strings.ToLower(w))
		}
	}
	return strings.Join(cleaned, " ")
}
