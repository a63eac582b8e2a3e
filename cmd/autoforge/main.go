// autoforge is the orchestrator CLI: it runs the dispatcher loop and
// offers task, status and knowledge subcommands against the workspace
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var workspaceFlag string

func main() {
	root := &cobra.Command{
		Use:   "autoforge",
		Short: "Autonomous software-development orchestrator",
		Long: `autoforge coordinates agent workers over a shared workspace:
a task state machine with retries, transactional multi-file change plans,
TTL file locks, an event bus and a persistent knowledge base.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", ".", "workspace root")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newKnowledgeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
