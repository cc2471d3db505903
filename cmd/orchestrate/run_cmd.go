package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestrate/config"
	"github.com/c360studio/orchestrate/orchestrator"
	"github.com/c360studio/orchestrate/plan"
)

func newRunCmd() *cobra.Command {
	var (
		planFile    string
		repoRoot    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Orchestrator against an already-parsed plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), planFile, repoRoot, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&planFile, "file", "f", "plan.json", "Path to a parsed, validated project plan (JSON)")
	cmd.Flags().StringVar(&repoRoot, "repo", ".", "Path to the git repository agents will branch from")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on (default: config metrics_addr)")

	return cmd
}

func runOrchestrator(ctx context.Context, planFile, repoRoot, metricsAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	data, err := os.ReadFile(planFile)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}
	var p plan.ProjectPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse plan file: %w", err)
	}

	o, err := orchestrator.New(cfg, &p, repoRoot, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", o.Metrics().Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	o.WaitForCompletion(ctx)
	o.Stop()
	return nil
}
