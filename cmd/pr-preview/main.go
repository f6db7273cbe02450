package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	rootCmd    = &cobra.Command{
		Use:   "pr-preview",
		Short: "PR Preview Orchestrator - per-PR workspaces and dev servers",
		Long: `PR Preview Orchestrator clones a pull request's branch into its own
workspace, starts the project's dev server there and tracks its lifecycle
until it is stopped. Run "pr-preview serve" for the daemon; the other
commands talk to it over HTTP.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from [web] config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
