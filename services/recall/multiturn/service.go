// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package multiturn implements conversation-aware retrieval.
//
// # Description
//
// For every user turn the Service weights recent history by recency,
// extracts entities and topics from each retained turn, re-queries the
// retriever once per turn with an enhanced query, and fuses the baseline and
// historical candidates into one deduplicated, reranked list together with
// relevance metrics.
//
// # Failure Model
//
// PerformMultiTurnRetrieval never returns an error and never panics. Any
// failure degrades to baseline retrieval with Fallback set; the original
// error goes to the configured ErrorHook. Cancellation returns the best
// result assembled so far with Cancelled set.
//
// # Thread Safety
//
// Service is immutable after construction and safe for concurrent use.
package multiturn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/retriever"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.recall.multiturn")

// Retriever is the single-query search surface the service depends on.
// *retriever.VectorStoreRetriever satisfies it.
type Retriever interface {
	GetRelevantDocuments(ctx context.Context, query string) ([]datatypes.SearchResult, error)
}

// Outcome labels for Observer.
const (
	OutcomeOK        = "ok"
	OutcomeFallback  = "fallback"
	OutcomeCancelled = "cancelled"
)

// Error hook stages reported by the service.
const (
	StageBaseline   = "baseline"
	StageHistorical = "historical"
	StagePanic      = "panic"
)

// Observer records one completed retrieval call.
type Observer interface {
	ObserveRetrieval(outcome string, turns, combined int, elapsed time.Duration)
}

// Options configures a Service.
//
// # Fields
//
//   - Config: Base configuration. Nil means DefaultMultiTurnConfig().
//   - Extractor: Entity/topic extractor. Nil means NewHeuristicExtractor().
//   - ErrorHook: Receives errors absorbed by the fallback path. Optional.
//   - Observer: Receives per-call outcome and timing. Optional.
type Options struct {
	Config    *datatypes.MultiTurnConfig
	Extractor Extractor
	ErrorHook retriever.ErrorHook
	Observer  Observer
}

// Service runs multi-turn retrieval.
//
// # Example
//
//	svc := multiturn.NewService(multiturn.Options{})
//	res := svc.PerformMultiTurnRetrieval(ctx, "and in Go?", history, r, nil)
//	for _, doc := range res.CombinedDocs {
//	    fmt.Println(doc.Score, doc.Text)
//	}
type Service struct {
	config    datatypes.MultiTurnConfig
	extractor Extractor
	hook      retriever.ErrorHook
	observer  Observer
}

// NewService creates a Service. The base config is sanitized once here.
func NewService(opts Options) *Service {
	cfg := datatypes.DefaultMultiTurnConfig()
	if opts.Config != nil {
		cfg = opts.Config.Sanitize()
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = NewHeuristicExtractor()
	}
	return &Service{
		config:    cfg,
		extractor: extractor,
		hook:      opts.ErrorHook,
		observer:  opts.Observer,
	}
}

// Config returns the service's base configuration.
func (s *Service) Config() datatypes.MultiTurnConfig {
	return s.config
}

// WithConfig returns a copy of s using cfg as the base configuration. The
// extractor, hook and observer are shared with s.
func (s *Service) WithConfig(cfg datatypes.MultiTurnConfig) *Service {
	cp := *s
	cp.config = cfg.Sanitize()
	return &cp
}

var defaultService = NewService(Options{})

// PerformMultiTurnRetrieval runs the default service. See
// (*Service).PerformMultiTurnRetrieval.
func PerformMultiTurnRetrieval(ctx context.Context, query string, history []datatypes.Message, r Retriever, overrides *datatypes.ConfigOverrides) *datatypes.MultiTurnResults {
	return defaultService.PerformMultiTurnRetrieval(ctx, query, history, r, overrides)
}

// PerformMultiTurnRetrieval retrieves context for query given prior history.
//
// # Description
//
//  1. Builds weighted turn contexts from the last MaxTurns user turns.
//  2. Runs the baseline query for the current turn.
//  3. Re-queries once per retained turn, at most MaxConcurrency at a time,
//     scaling scores by the turn's weight.
//  4. Aggregates entity and topic chains.
//  5. Fuses, deduplicates and reranks all candidates.
//  6. Computes relevance metrics.
//
// Results depend only on inputs and store contents; the order in which
// per-turn queries finish never changes the output.
//
// # Inputs
//
//   - ctx: Cancels outstanding queries. On cancellation the best-so-far
//     result is returned with Cancelled set.
//   - query: The current user query.
//   - history: Prior messages, oldest first, excluding the current query.
//   - r: Retriever used for every query.
//   - overrides: Partial config applied on top of the service config. May be nil.
//
// # Outputs
//
//   - *datatypes.MultiTurnResults: Never nil.
//
// # Limitations
//
//   - Historical results are weighted by their turn's context weight both
//     when retrieved and again inside the rerank boost.
func (s *Service) PerformMultiTurnRetrieval(
	ctx context.Context,
	query string,
	history []datatypes.Message,
	r Retriever,
	overrides *datatypes.ConfigOverrides,
) (results *datatypes.MultiTurnResults) {
	ctx, span := tracer.Start(ctx, "Service.PerformMultiTurnRetrieval")
	defer span.End()

	start := time.Now()
	var (
		baseline     []datatypes.SearchResult
		haveBaseline bool
		turnCount    int
	)

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("multi-turn retrieval panicked: %v", rec)
			span.RecordError(err)
			s.report(ctx, StagePanic, err)
			results = s.fallback(ctx, r, query, baseline, haveBaseline)
		}

		outcome := OutcomeOK
		switch {
		case results.Cancelled:
			outcome = OutcomeCancelled
		case results.Fallback:
			outcome = OutcomeFallback
			span.SetStatus(codes.Error, "fell back to baseline retrieval")
		}
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("turns", turnCount),
			attribute.Int("historical_docs", len(results.HistoricalDocs)),
			attribute.Int("combined_docs", len(results.CombinedDocs)),
		)
		if s.observer != nil {
			s.observer.ObserveRetrieval(outcome, turnCount, len(results.CombinedDocs), time.Since(start))
		}
	}()

	if r == nil {
		err := errors.New("retriever must not be nil")
		s.report(ctx, StageBaseline, err)
		return datatypes.NewFallbackResults(nil)
	}

	cfg := s.config.Apply(overrides)
	turns := BuildTurnContexts(history, cfg, s.extractor)
	turnCount = len(turns)

	var err error
	baseline, err = safeQuery(ctx, r, query)
	if err != nil {
		if ctx.Err() != nil {
			res := datatypes.NewFallbackResults(nil)
			res.Cancelled = true
			return res
		}
		s.report(ctx, StageBaseline, err)
		return s.fallback(ctx, r, query, nil, false)
	}
	if baseline == nil {
		baseline = []datatypes.SearchResult{}
	}
	haveBaseline = true

	perTurn, cancelled, err := s.queryTurns(ctx, r, query, turns, cfg.MaxConcurrency)
	if err != nil {
		s.report(ctx, StageHistorical, err)
		return s.fallback(ctx, r, query, baseline, true)
	}

	historical := make([]datatypes.SearchResult, 0)
	for i := range turns {
		docs := perTurn[i]
		if docs == nil {
			docs = []datatypes.SearchResult{}
		}
		turns[i].RelevantDocs = docs
		historical = append(historical, docs...)
	}

	entityChain, topicChain := AggregateChains(turns)
	combined := FuseAndRerank(baseline, historical, entityChain, topicChain, cfg)

	slog.Debug("Multi-turn retrieval complete",
		"turns", len(turns),
		"currentDocs", len(baseline),
		"historicalDocs", len(historical),
		"combinedDocs", len(combined),
		"cancelled", cancelled)

	return &datatypes.MultiTurnResults{
		CurrentTurnDocs:  baseline,
		HistoricalDocs:   historical,
		CombinedDocs:     combined,
		TurnContexts:     turns,
		EntityChain:      entityChain,
		TopicChain:       topicChain,
		RelevanceMetrics: ComputeRelevanceMetrics(turns, combined),
		Cancelled:        cancelled,
	}
}

// queryTurns issues the per-turn re-queries with bounded concurrency.
//
// Results are written by turn index so the merge order never depends on
// completion order. A cancelled parent context is not an error: the turns
// that finished are returned with cancelled=true.
func (s *Service) queryTurns(
	ctx context.Context,
	r Retriever,
	query string,
	turns []datatypes.TurnContext,
	limit int,
) (perTurn [][]datatypes.SearchResult, cancelled bool, err error) {
	perTurn = make([][]datatypes.SearchResult, len(turns))
	if len(turns) == 0 {
		return perTurn, false, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range turns {
		if gctx.Err() != nil {
			break
		}
		turn := turns[i]
		g.Go(func() error {
			docs, err := safeQuery(gctx, r, EnhancedQuery(query, turn))
			if err != nil {
				return fmt.Errorf("re-query for turn %d: %w", turn.TurnIndex, err)
			}
			perTurn[i] = weightHistorical(docs, turn)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return perTurn, true, nil
		}
		return nil, false, err
	}
	if ctx.Err() != nil {
		return perTurn, true, nil
	}
	return perTurn, false, nil
}

// fallback builds the degraded result. The baseline is reused when it was
// already obtained; otherwise it is requested once more.
func (s *Service) fallback(ctx context.Context, r Retriever, query string, baseline []datatypes.SearchResult, haveBaseline bool) *datatypes.MultiTurnResults {
	if !haveBaseline && r != nil && ctx.Err() == nil {
		docs, err := safeQuery(ctx, r, query)
		if err != nil {
			s.report(ctx, StageBaseline, fmt.Errorf("fallback baseline: %w", err))
		} else {
			baseline = docs
		}
	}
	res := datatypes.NewFallbackResults(baseline)
	res.Cancelled = ctx.Err() != nil
	return res
}

// safeQuery calls the retriever and turns a panic into an error.
func safeQuery(ctx context.Context, r Retriever, query string) (docs []datatypes.SearchResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			docs, err = nil, fmt.Errorf("retriever panicked: %v", rec)
		}
	}()
	return r.GetRelevantDocuments(ctx, query)
}

func (s *Service) report(ctx context.Context, stage string, err error) {
	if s.hook != nil {
		s.hook(ctx, stage, err)
		return
	}
	slog.Warn("Multi-turn retrieval degraded to baseline", "stage", stage, "error", err)
}
