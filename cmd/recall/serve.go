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
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianRecall/services/recall/config"
	"github.com/AleutianAI/AleutianRecall/services/recall/handlers"
	"github.com/AleutianAI/AleutianRecall/services/recall/journal"
	"github.com/AleutianAI/AleutianRecall/services/recall/multiturn"
	"github.com/AleutianAI/AleutianRecall/services/recall/observability"
	"github.com/AleutianAI/AleutianRecall/services/recall/routes"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retrieval HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := initTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	shutdownMeter, err := initMeter(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownMeter(context.Background())

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	results, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer results.Close()

	extractor, err := newExtractor(cfg.Extractor)
	if err != nil {
		return err
	}

	metrics := observability.NewRetrievalMetrics(prometheus.DefaultRegisterer)
	base := cfg.MultiTurnSettings()
	svc := multiturn.NewService(multiturn.Options{
		Config:    &base,
		Extractor: extractor,
		ErrorHook: observability.NewErrorHook(logger.Slog(), metrics),
		Observer:  metrics,
	})

	deps := &handlers.Deps{
		Store:          wrapStore(backend, cfg),
		Service:        svc,
		Settings:       cfg,
		Journal:        results,
		Metrics:        metrics,
		TopK:           cfg.Retriever.TopK,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, &config.WatcherOptions{
			OnChange: func(next *config.Config) {
				slog.Info("Multi-turn settings reloaded",
					"max_turns", next.MultiTurn.MaxTurns,
					"decay_rate", next.MultiTurn.ContextDecayRate)
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			watcher.Stop()
			slog.Warn("Config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
			deps.Settings = watcher
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, deps, cfg.Server.APITokens)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting recall server",
			"addr", cfg.Server.Addr,
			"backend", cfg.Retriever.Backend,
			"auth", len(cfg.Server.APITokens) > 0)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down recall server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
