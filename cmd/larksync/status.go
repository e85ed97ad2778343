package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusRecent int

func init() {
	statusCmd.Flags().IntVar(&statusRecent, "recent", 0, "also list the N most recent cycles")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest sync outcome per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()
		ctx := cmd.Context()

		latest, err := b.rt.History.LatestPerBinding(ctx)
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			fmt.Println("no cycles recorded yet")
		}
		for _, c := range latest {
			fmt.Printf("%-30s %-12s %-11s %s  scanned=%d stale=%d created=%d updated=%d failed=%d\n",
				c.Team+"/"+c.Table, c.Mode, c.Status,
				c.FinishedAt.Format(time.RFC3339),
				c.Scanned, c.Stale, c.Created, c.Updated, c.Failed)
			if c.Error != "" {
				fmt.Printf("    error: %s\n", c.Error)
			}
		}

		stats, err := b.cache.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nuser cache: %d valid, %d empty, %d pending\n",
			stats.Valid, stats.Empty, stats.Pending)

		if statusRecent > 0 {
			recent, err := b.rt.History.Recent(ctx, statusRecent)
			if err != nil {
				return err
			}
			fmt.Println("\nrecent cycles:")
			for _, c := range recent {
				fmt.Printf("%s %-30s %-12s %-11s created=%d updated=%d failed=%d\n",
					c.StartedAt.Format(time.RFC3339), c.Team+"/"+c.Table,
					c.Mode, c.Status, c.Created, c.Updated, c.Failed)
			}
		}
		return nil
	},
}
