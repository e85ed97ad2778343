package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/larksync/internal/config"
	"github.com/user/larksync/internal/engine"
)

var (
	syncTeam       string
	syncTable      string
	syncFullUpdate bool
)

func init() {
	syncCmd.Flags().StringVar(&syncTeam, "team", "", "restrict to one team")
	syncCmd.Flags().StringVar(&syncTable, "table", "", "restrict to one table (requires --team)")
	syncCmd.Flags().BoolVar(&syncFullUpdate, "full-update", false, "rewrite every scanned issue, ignoring the staleness filter")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncTable != "" && syncTeam == "" {
			return fmt.Errorf("--table requires --team")
		}

		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()

		var bindings []config.Binding
		for _, binding := range b.cfg.Bindings() {
			if syncTeam != "" && binding.Team != syncTeam {
				continue
			}
			if syncTable != "" && binding.Table != syncTable {
				continue
			}
			bindings = append(bindings, binding)
		}
		if len(bindings) == 0 {
			return fmt.Errorf("no enabled bindings match the selection")
		}

		worker := engine.NewWorker(b.rt, b.cfg.Schema)
		opts := engine.CycleOptions{FullUpdate: syncFullUpdate}

		failed := 0
		for _, binding := range bindings {
			cycle, err := worker.RunCycle(cmd.Context(), binding, opts)
			if err != nil {
				b.logger.Error("cycle failed", "binding", binding.Key(), "error", err)
				failed++
				continue
			}
			fmt.Printf("%-30s %-12s scanned=%d stale=%d created=%d updated=%d failed=%d\n",
				binding.Key(), cycle.Status, cycle.Scanned, cycle.Stale,
				cycle.Created, cycle.Updated, cycle.Failed)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d cycles failed", failed, len(bindings))
		}
		return nil
	},
}
