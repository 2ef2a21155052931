// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command recall serves and exercises multi-turn retrieval.
//
//	recall serve  --config recall.yaml
//	recall query  --corpus ./docs --history history.json "and is it stable?"
//	recall ingest --config recall.yaml ./docs
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/recall/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "recall",
		Short: "Multi-turn retrieval over documents and past conversations",
		Long: `recall blends reference documents with earlier conversation turns
so follow-up questions retrieve what the conversation is actually about.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (defaults plus RECALL_* env when empty)")

	rootCmd.AddCommand(serveCmd, queryCmd, ingestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the process logger.
// The returned logger must be closed by the caller.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}
