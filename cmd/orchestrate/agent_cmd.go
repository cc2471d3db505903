package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
)

func newAgentCmd() *cobra.Command {
	var commFile string

	cmd := &cobra.Command{
		Use:   "agent <name>",
		Short: "Interactive REPL that drives one agent's CommBus record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentREPL(args[0], commFile)
		},
	}
	cmd.Flags().StringVarP(&commFile, "file", "f", "", "Path to the communications document (default: config comm_file)")

	return cmd
}

func runAgentREPL(name, commFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if commFile != "" {
		cfg.CommFile = commFile
	}

	bus := commbus.New(cfg.CommFile)

	fmt.Printf("orchestrate agent %q — type 'help' for commands, 'quit' to exit\n", name)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatchAgentCommand(bus, name, line); err != nil {
			if err == errQuit {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

var errQuit = fmt.Errorf("quit")

func dispatchAgentCommand(bus *commbus.Bus, name, line string) error {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "mission", "working", "done", "next":
		field := cmd
		if cmd == "working" {
			field = "workingOn"
		}
		return bus.UpdateField(name, field, rest)

	case "request":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: request <agent> <text>")
		}
		return bus.AddRequest(name, parts[0], parts[1])

	case "requests":
		entries, err := bus.GetRequestsForAgent(name)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("from %s: %s\n", e.FromAgent, e.Request)
		}
		return nil

	case "complete":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: complete <agent> <original> | <description>")
		}
		requester := parts[0]
		originalAndDesc := strings.SplitN(parts[1], "|", 2)
		if len(originalAndDesc) != 2 {
			return fmt.Errorf("usage: complete <agent> <original> | <description>")
		}
		original := strings.TrimSpace(originalAndDesc[0])
		description := strings.TrimSpace(originalAndDesc[1])
		return bus.CompleteRequest(name, requester, original, description)

	case "deliveries":
		rec, err := bus.GetAgent(name)
		if err != nil {
			return err
		}
		if rec == nil || len(rec.Added) == 0 {
			fmt.Println("No deliveries.")
			return nil
		}
		for _, d := range rec.Added {
			fmt.Printf("from %s: %s (re: %s)\n", d[0], d[1], d[2])
		}
		return nil

	case "ack":
		return bus.ClearAdded(name)

	case "agents":
		agents, err := bus.GetAllAgents()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(agents))
		for n := range agents {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil

	case "view":
		rec, err := bus.GetAgent(name)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("No record yet.")
			return nil
		}
		fmt.Printf("mission:   %s\n", rec.Mission)
		fmt.Printf("workingOn: %s\n", rec.WorkingOn)
		fmt.Printf("done:      %s\n", rec.Done)
		fmt.Printf("next:      %s\n", rec.Next)
		fmt.Printf("state:     %s\n", rec.LifecycleState)
		return nil

	case "help":
		printAgentHelp()
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func printAgentHelp() {
	fmt.Println(`Commands:
  mission <text>                       set mission
  working <text>                       set workingOn
  done <text>                          set done
  next <text>                          set next
  request <agent> <text>               send a request to another agent
  requests                             list requests addressed to me
  complete <agent> <original> | <desc> complete a request from <agent>
  deliveries                           list completed deliveries to me
  ack                                  clear my deliveries
  agents                               list every known agent
  view                                 show my own record
  help                                 show this text
  quit                                 exit the REPL`)
}
