package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"autoforge/internal/types"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store statistics and active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(workspaceFlag)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.GetStats()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-20s %d\n", k, stats[k])
			}

			sessions, err := st.ListSessionsByStatus(
				types.SessionSpawning, types.SessionRunning, types.SessionTesting, types.SessionValidating)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				return nil
			}

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTASK\tAGENT\tSTATUS\tLAST HEARTBEAT")
			for _, s := range sessions {
				last := "-"
				if !s.LastHeartbeatAt.IsZero() {
					last = time.Since(s.LastHeartbeatAt).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.TaskID, s.AgentType, s.Status, last)
			}
			return w.Flush()
		},
	}
}
