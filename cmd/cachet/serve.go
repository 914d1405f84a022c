// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cachet store",
		Long:  "Load configuration, initialize all subsystems, and serve the HTTP API until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Apply any flag/env overrides that Viper resolved.
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	logger := newLogger(viper.GetBool("verbose"))

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}

	st, err := WireStore(cfg, dataDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background maintenance: tier demotion and stale-partition pruning.
	go st.Migrator.Run(ctx)
	go st.runPartitionCleanup(ctx, logger)

	logger.Info("cachet starting", "listen", cfg.Listen, "data_dir", dataDir)
	return st.Server.Start(ctx)
}

// runPartitionCleanup prunes partitions that have been empty longer
// than the grace period, on the same cadence as storage sweeps.
func (s *Store) runPartitionCleanup(ctx context.Context, logger *slog.Logger) {
	grace := s.cleanupGrace
	if grace <= 0 {
		return
	}

	ticker := time.NewTicker(grace / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Partitions.Cleanup(ctx, grace)
			if err != nil {
				logger.Warn("partition cleanup failed", "error", err)
			} else if len(removed) > 0 {
				logger.Info("partition cleanup", "removed", len(removed))
			}
		}
	}
}

// newLogger builds the process logger. Verbose switches on debug level.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
