package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/larksync/internal/engine"
)

var (
	issueTeam  string
	issueTable string
)

func init() {
	issueCmd.Flags().StringVar(&issueTeam, "team", "", "target team (required)")
	issueCmd.Flags().StringVar(&issueTable, "table", "", "target table (required)")
	issueCmd.MarkFlagRequired("team")
	issueCmd.MarkFlagRequired("table")
	rootCmd.AddCommand(issueCmd)
}

var issueCmd = &cobra.Command{
	Use:   "issue KEY",
	Short: "Sync a single issue into one table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()

		binding, ok := b.cfg.Find(issueTeam, issueTable)
		if !ok {
			return fmt.Errorf("no enabled binding %s/%s", issueTeam, issueTable)
		}

		worker := engine.NewWorker(b.rt, b.cfg.Schema)
		cycle, err := worker.RunSingleIssue(cmd.Context(), binding, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s created=%d updated=%d failed=%d\n",
			args[0], cycle.Status, cycle.Created, cycle.Updated, cycle.Failed)
		return nil
	},
}
