package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Agent swarm orchestrator for GitHub issues",
		Long: `Swarm drives a pool of coding agents against labelled GitHub issues:
it dispatches an agent per issue in an isolated git worktree, watches the
resulting pull requests for review comments and CI failures, and dispatches
fix agents until each PR merges or a human needs to step in.`,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default swarm.yaml)")

	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show swarm version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("swarm v%s\n", version)
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "swarm.yaml"
}
