// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and error hooks for the recall service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring retrieval:
//   - Multi-turn retrieval outcomes (ok, fallback, cancelled) and latency
//   - Turns considered and documents returned per call
//   - Errors absorbed by the graceful-degradation paths, by stage
//   - Incremental stream phases delivered to clients
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for retrieval metrics
const recallSubsystem = "recall"

// RetrievalMetrics holds all Prometheus metrics for the recall service.
//
// # Fields
//
//   - RetrievalsTotal: Counter of multi-turn calls by outcome
//   - RetrievalDurationSeconds: Histogram of multi-turn call latency
//   - TurnsConsidered: Histogram of retained turns per call
//   - CombinedDocs: Histogram of fused documents per call
//   - DegradedErrorsTotal: Counter of swallowed errors by stage
//   - IncrementalPhasesTotal: Counter of streamed phases by transport and phase
//
// # Thread Safety
//
// All operations are thread-safe.
type RetrievalMetrics struct {
	// RetrievalsTotal counts multi-turn retrieval calls.
	// Labels: outcome (ok, fallback, cancelled)
	RetrievalsTotal *prometheus.CounterVec

	// RetrievalDurationSeconds measures multi-turn call latency.
	// Labels: outcome
	RetrievalDurationSeconds *prometheus.HistogramVec

	// TurnsConsidered observes how many turns were retained per call.
	TurnsConsidered prometheus.Histogram

	// CombinedDocs observes how many fused documents were returned per call.
	CombinedDocs prometheus.Histogram

	// DegradedErrorsTotal counts errors absorbed by fallback paths.
	// Labels: stage (documents, conversations, baseline, historical, panic)
	DegradedErrorsTotal *prometheus.CounterVec

	// IncrementalPhasesTotal counts phases sent on streaming transports.
	// Labels: transport (sse, websocket), phase (documents, conversations, complete)
	IncrementalPhasesTotal *prometheus.CounterVec
}

// NewRetrievalMetrics creates the metrics and registers them with reg.
//
// # Description
//
// Passing a private registry keeps tests isolated; production code passes
// prometheus.DefaultRegisterer so the metrics appear on /metrics.
//
// # Inputs
//
//   - reg: Registerer to register with. Nil skips registration.
//
// # Outputs
//
//   - *RetrievalMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if the same metrics are registered twice with one registry.
func NewRetrievalMetrics(reg prometheus.Registerer) *RetrievalMetrics {
	m := &RetrievalMetrics{
		RetrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "retrievals_total",
				Help:      "Total multi-turn retrieval calls by outcome",
			},
			[]string{"outcome"},
		),

		RetrievalDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "retrieval_duration_seconds",
				Help:      "Multi-turn retrieval latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),

		TurnsConsidered: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "turns_considered",
				Help:      "Conversation turns retained per retrieval",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),

		CombinedDocs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "combined_docs",
				Help:      "Fused documents returned per retrieval",
				Buckets:   []float64{0, 1, 3, 5, 10, 15},
			},
		),

		DegradedErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "degraded_errors_total",
				Help:      "Errors absorbed by graceful degradation, by stage",
			},
			[]string{"stage"},
		),

		IncrementalPhasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: recallSubsystem,
				Name:      "incremental_phases_total",
				Help:      "Incremental retrieval phases delivered to clients",
			},
			[]string{"transport", "phase"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RetrievalsTotal,
			m.RetrievalDurationSeconds,
			m.TurnsConsidered,
			m.CombinedDocs,
			m.DegradedErrorsTotal,
			m.IncrementalPhasesTotal,
		)
	}
	return m
}

// =============================================================================
// Helper Methods
// =============================================================================

// ObserveRetrieval records one completed multi-turn call.
//
// # Inputs
//
//   - outcome: ok, fallback or cancelled.
//   - turns: Retained turn contexts.
//   - combined: Length of the fused document list.
//   - elapsed: Wall time of the call.
func (m *RetrievalMetrics) ObserveRetrieval(outcome string, turns, combined int, elapsed time.Duration) {
	m.RetrievalsTotal.WithLabelValues(outcome).Inc()
	m.RetrievalDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	m.TurnsConsidered.Observe(float64(turns))
	m.CombinedDocs.Observe(float64(combined))
}

// RecordDegradedError counts an error that was swallowed at stage.
func (m *RetrievalMetrics) RecordDegradedError(stage string) {
	m.DegradedErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordPhase counts one incremental phase sent over transport.
func (m *RetrievalMetrics) RecordPhase(transport, phase string) {
	m.IncrementalPhasesTotal.WithLabelValues(transport, phase).Inc()
}

// NewErrorHook returns a hook that logs swallowed errors and counts them.
//
// # Description
//
// The retriever and the multi-turn service never return store errors to
// their callers. Installing this hook keeps those failures visible in logs
// and on the degraded_errors_total counter.
//
// # Inputs
//
//   - logger: Destination for WARN records. Nil uses slog.Default().
//   - m: Metrics to increment. May be nil.
func NewErrorHook(logger *slog.Logger, m *RetrievalMetrics) func(ctx context.Context, stage string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, stage string, err error) {
		logger.WarnContext(ctx, "Retrieval error absorbed", "stage", stage, "error", err)
		if m != nil {
			m.RecordDegradedError(stage)
		}
	}
}
