package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// Execute runs the tandem CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tandem",
		Short:         "tandem: multi-participant collaborative coding sessions",
		Long:          "tandem coordinates humans and coding agents in shared sessions: routed messages, quorum-gated tool approvals, and visibility-scoped shared context.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
