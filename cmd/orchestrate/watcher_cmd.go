package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
	"github.com/c360studio/orchestrate/watcher"
)

func newWatcherCmd() *cobra.Command {
	var commFile string

	cmd := &cobra.Command{
		Use:   "watcher",
		Short: "Watch the communications document and log every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatcher(cmd.Context(), commFile)
		},
	}
	cmd.Flags().StringVarP(&commFile, "file", "f", "", "Path to the communications document (default: config comm_file)")

	return cmd
}

func runWatcher(ctx context.Context, commFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if commFile != "" {
		cfg.CommFile = commFile
	}

	bus := commbus.New(cfg.CommFile)
	w, err := watcher.New(bus, cfg.PollInterval, logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Stop()

	w.Register("_cli", func(doc *commbus.Document) {
		logger.Info("comm document changed", "updatedBy", doc.Meta.LastUpdatedBy, "lastUpdated", doc.Meta.LastUpdated)
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfg.CommFile)
	w.Run(ctx)
	return nil
}
