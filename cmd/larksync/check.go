package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify connectivity, credentials, and configured JQL filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()
		ctx := cmd.Context()

		failed := 0

		if err := b.rt.Source.Ping(ctx); err != nil {
			fmt.Printf("jira:   FAIL (%v)\n", err)
			failed++
		} else if version, err := b.source.ServerInfo(ctx); err == nil {
			fmt.Printf("jira:   ok (server %s)\n", version)
		} else {
			fmt.Println("jira:   ok")
		}

		if err := b.rt.Sink.Ping(ctx); err != nil {
			fmt.Printf("lark:   FAIL (%v)\n", err)
			failed++
		} else {
			fmt.Println("lark:   ok")
		}

		for _, binding := range b.cfg.Bindings() {
			if !b.source.ValidateJQL(ctx, binding.JQLQuery) {
				fmt.Printf("%s: FAIL (jql rejected: %s)\n", binding.Key(), binding.JQLQuery)
				failed++
				continue
			}
			if _, err := b.rt.Sink.ResolveAppToken(ctx, binding.WikiToken); err != nil {
				fmt.Printf("%s: FAIL (wiki token: %v)\n", binding.Key(), err)
				failed++
				continue
			}
			fmt.Printf("%s: ok\n", binding.Key())
		}

		if failed > 0 {
			return fmt.Errorf("%d checks failed", failed)
		}
		return nil
	},
}
