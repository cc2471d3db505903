package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
)

func newStatusCmd() *cobra.Command {
	var commFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print every agent's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(commFile)
		},
	}
	cmd.Flags().StringVarP(&commFile, "file", "f", "", "Path to the communications document (default: config comm_file)")

	return cmd
}

func runStatus(commFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if commFile != "" {
		cfg.CommFile = commFile
	}

	bus := commbus.New(cfg.CommFile)
	agents, err := bus.GetAllAgents()
	if err != nil {
		return fmt.Errorf("read comm document: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return nil
	}

	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := agents[name]
		state := rec.LifecycleState
		if state == "" {
			state = commbus.StateIdle
		}
		fmt.Printf("%s [%s]\n", name, state)
		if rec.Mission != "" {
			fmt.Printf("  mission:    %s\n", rec.Mission)
		}
		if rec.WorkingOn != "" {
			fmt.Printf("  workingOn:  %s\n", rec.WorkingOn)
		}
		if rec.Done != "" {
			fmt.Printf("  done:       %s\n", rec.Done)
		}
		if rec.Next != "" {
			fmt.Printf("  next:       %s\n", rec.Next)
		}
		if len(rec.Requests) > 0 {
			fmt.Printf("  requests:   %d pending\n", len(rec.Requests))
		}
		if len(rec.Added) > 0 {
			fmt.Printf("  deliveries: %d waiting\n", len(rec.Added))
		}
		if rec.Breakpoint != nil {
			fmt.Printf("  breakpoint: %s\n", rec.Breakpoint.Type)
		}
	}
	return nil
}
