package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:           "larder",
	Short:         "Ingest recipes from the web into reviewed drafts",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default: from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
