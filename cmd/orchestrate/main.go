// Command orchestrate drives the coordination core from the shell: a
// watcher that logs every CommBus change, an interactive agent REPL that
// exercises the mailbox model, a read-only status printer, and a runner
// that starts the Orchestrator against an already-parsed plan file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrate",
		Short: "Coordination core for a fleet of code-authoring agents",
	}

	root.AddCommand(newWatcherCmd())
	root.AddCommand(newAgentCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRunCmd())

	return root
}
