// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the recall HTTP API on gin.
//
// Every handler is built by a factory taking *Deps so routes can be wired
// with real or fake collaborators. Retrieval failures never surface as HTTP
// errors: the multi-turn service degrades to baseline results and the
// incremental stream still emits all phases. Only malformed requests and
// journal lookups produce non-2xx statuses.
package handlers

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
	"github.com/AleutianAI/AleutianRecall/services/recall/observability"
	"github.com/AleutianAI/AleutianRecall/services/recall/retriever"
	"github.com/AleutianAI/AleutianRecall/services/recall/vectorstore"
)

var (
	tracer = otel.Tracer("aleutian.recall.handlers")
	meter  = otel.Meter("aleutian.recall.handlers")
)

// activeStreams counts open incremental streams by transport.
var activeStreams = sync.OnceValue(func() metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter("recall.streams.active",
		metric.WithDescription("Open incremental retrieval streams"),
		metric.WithUnit("{stream}"))
	if err != nil {
		otel.Handle(err)
		c, _ = noop.NewMeterProvider().Meter("").Int64UpDownCounter("recall.streams.active")
	}
	return c
})

// Transport labels for phase metrics.
const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

// ResultStore persists completed multi-turn responses.
type ResultStore interface {
	Put(ctx context.Context, resp *datatypes.MultiTurnResponse) error
	Get(ctx context.Context, requestID string) (*datatypes.MultiTurnResponse, error)
}

// SettingsSource supplies the current multi-turn configuration. Both
// *config.Config and *config.Watcher implement it.
type SettingsSource interface {
	MultiTurnSettings() datatypes.MultiTurnConfig
}

// Deps holds the collaborators shared by all handlers.
//
// # Fields
//
//   - Store: Vector store searched by every retriever. Required.
//   - Service: Multi-turn service. Nil uses multiturn.NewService defaults.
//   - Settings: Hot-reloadable multi-turn config. Nil keeps Service's config.
//   - Journal: Result store. Nil disables journaling and result lookup.
//   - Metrics: Prometheus metrics. Nil disables recording.
//   - TopK: Retriever budget. Values below 1 use retriever.DefaultTopK.
//   - RequestTimeout: Upper bound per retrieval. Zero means no bound.
//   - AllowedOrigins: WebSocket origins. Empty means same-origin only.
type Deps struct {
	Store          vectorstore.Store
	Service        *multiturn.Service
	Settings       SettingsSource
	Journal        ResultStore
	Metrics        *observability.RetrievalMetrics
	TopK           int
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// retrieverFor builds a retriever scoped to sessionID's conversations.
func (d *Deps) retrieverFor(sessionID string) *retriever.VectorStoreRetriever {
	var hook retriever.ErrorHook
	if d.Metrics != nil {
		hook = observability.NewErrorHook(nil, d.Metrics)
	}
	return retriever.New(d.Store, retriever.Options{
		TopK:      d.TopK,
		SessionID: sessionID,
		ErrorHook: hook,
	})
}

// service returns the multi-turn service with the current settings applied.
func (d *Deps) service() *multiturn.Service {
	svc := d.Service
	if svc == nil {
		svc = multiturn.NewService(multiturn.Options{})
	}
	if d.Settings != nil {
		svc = svc.WithConfig(d.Settings.MultiTurnSettings())
	}
	return svc
}

// withTimeout applies RequestTimeout to ctx.
func (d *Deps) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.RequestTimeout > 0 {
		return context.WithTimeout(ctx, d.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Deps) recordPhase(transport string, phase datatypes.PhaseType) {
	if d.Metrics != nil {
		d.Metrics.RecordPhase(transport, string(phase))
	}
}

// trackStream counts one open stream until the returned func is called.
func trackStream(ctx context.Context, transport string) func() {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	c := activeStreams()
	c.Add(ctx, 1, attrs)
	return func() { c.Add(context.WithoutCancel(ctx), -1, attrs) }
}
