package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/larksync/pkg/usermap"
)

var usersResolveLimit int

func init() {
	usersResolveCmd.Flags().IntVar(&usersResolveLimit, "limit", usermap.DefaultResolveLimit, "maximum usernames to resolve in this pass")
	usersCmd.AddCommand(usersResolveCmd)
	usersCmd.AddCommand(usersPendingCmd)
	usersCmd.AddCommand(usersReopenCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and resolve the user mapping cache",
}

var usersResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve pending usernames against the Lark directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()

		settled, err := b.rt.Users.ResolvePending(cmd.Context(), usersResolveLimit)
		if err != nil {
			return err
		}
		fmt.Printf("settled %d usernames\n", settled)
		return nil
	},
}

var usersPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List usernames awaiting resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()

		pending, err := b.cache.Pending(cmd.Context())
		if err != nil {
			return err
		}
		for _, username := range pending {
			fmt.Println(username)
		}
		fmt.Printf("%d pending\n", len(pending))
		return nil
	},
}

var usersReopenCmd = &cobra.Command{
	Use:   "reopen USERNAME",
	Short: "Force a username back to pending for re-resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer b.cleanup()

		if err := b.cache.Reopen(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s reopened\n", args[0])
		return nil
	},
}
