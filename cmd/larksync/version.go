package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the larksync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("larksync", version)
	},
}
