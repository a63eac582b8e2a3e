package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"autoforge/internal/config"
	"autoforge/internal/knowledge"
	"autoforge/internal/types"

	"github.com/spf13/cobra"
)

func newKnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "knowledge",
		Aliases: []string{"kb"},
		Short:   "Query and record the knowledge base",
	}
	cmd.AddCommand(newKnowledgeQueryCmd(), newKnowledgeAddCmd())
	return cmd
}

func newKnowledgeQueryCmd() *cobra.Command {
	var (
		kind       string
		actionType string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "query [file-path]",
		Short: "List knowledge items relevant to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, st, err := openKnowledge()
			if err != nil {
				return err
			}
			defer st.Close()

			filePath := ""
			if len(args) == 1 {
				filePath = args[0]
			}
			items, err := kb.Query(filePath, actionType, types.KnowledgeKind(kind), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tCONF\tOBS\tUNIVERSAL\tPATTERN\tCONTENT")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%.2f\t%d\t%v\t%s\t%s\n",
					item.Kind, item.Confidence, item.Observations, item.Universal, item.FilePattern, item.Content)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (gotcha|pattern|decision)")
	cmd.Flags().StringVar(&actionType, "action", "", "filter by action type")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum items")
	return cmd
}

func newKnowledgeAddCmd() *cobra.Command {
	var (
		kind       string
		pattern    string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a knowledge item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, st, err := openKnowledge()
			if err != nil {
				return err
			}
			defer st.Close()

			item, err := kb.Record(types.KnowledgeItem{
				Kind:        types.KnowledgeKind(kind),
				Content:     args[0],
				FilePattern: pattern,
				Confidence:  confidence,
				Source:      "cli",
			})
			if err != nil {
				return err
			}
			fmt.Println(item.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(types.KnowledgeGotcha), "item kind (gotcha|pattern|decision)")
	cmd.Flags().StringVar(&pattern, "pattern", "*", "file glob this item applies to")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.7, "initial confidence in [0,1]")
	return cmd
}

func openKnowledge() (*knowledge.Base, interface{ Close() error }, error) {
	st, err := openStore(workspaceFlag)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(workspaceFlag)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return knowledge.NewBase(st, nil, cfg.Knowledge), st, nil
}
