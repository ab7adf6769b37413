package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "collabd",
	Short: "Real-time collaborative document sync server",
}

func main() {
	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newTokenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
