package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"autoforge/internal/config"
	"autoforge/internal/monitor"
	"autoforge/internal/orchestrator"
	"autoforge/internal/types"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd(), newTaskSkipCmd(), newTaskRetryCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		agent      string
		specPath   string
		priority   int
		complexity string
		deps       []string
		resources  []string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task in pending state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(workspaceFlag)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := config.Load(workspaceFlag)
			if err != nil {
				return err
			}
			orch := orchestrator.New(st, nil, nil, nil, cfg.Orchestrator, cfg.Workspace)

			t := &types.Task{
				Title:        args[0],
				SpecPath:     specPath,
				AgentType:    types.AgentType(agent),
				Priority:     priority,
				Complexity:   types.TaskComplexity(complexity),
				Dependencies: deps,
				Resources:    resources,
			}
			if err := orch.AddTask(t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", string(types.AgentBuild), "agent type (ideation|specification|build|qa|self_improvement)")
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the spec document")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher first")
	cmd.Flags().StringVar(&complexity, "complexity", string(types.ComplexitySimple), "deadline tier (simple|complex)")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "task ids that must complete first")
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "paths this task will write")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(workspaceFlag)
			if err != nil {
				return err
			}
			defer st.Close()

			var statuses []types.TaskStatus
			if statusFilter != "" {
				for _, s := range strings.Split(statusFilter, ",") {
					statuses = append(statuses, types.TaskStatus(strings.TrimSpace(s)))
				}
			}
			tasks, err := st.ListTasks(statuses...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tPRI\tRETRIES\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					t.ID, t.Status, t.AgentType, t.Priority, t.RetryCount, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "comma-separated status filter")
	return cmd
}

func newTaskSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <task-id>",
		Short: "Mark a blocked or failed task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMonitor(func(m *monitor.Monitor) error { return m.Skip(args[0]) })
		},
	}
}

func newTaskRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Requeue a blocked or failed task with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMonitor(func(m *monitor.Monitor) error { return m.Retry(args[0]) })
		},
	}
}

func withMonitor(fn func(m *monitor.Monitor) error) error {
	st, err := openStore(workspaceFlag)
	if err != nil {
		return err
	}
	defer st.Close()
	cfg, err := config.Load(workspaceFlag)
	if err != nil {
		return err
	}
	return fn(monitor.New(st, nil, nil, nil, cfg.Monitor))
}
