package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the bare binary starts the
// API server.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aicap",
		Short: "Track usage limits of AI coding subscriptions",
		Long: `aicap runs a local API that signs in to AI providers with OAuth,
keeps the tokens encrypted on disk and reports how much of each
subscription's usage window is left.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.SetVersionTemplate(`{{printf "aicap version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newAccountsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of aicap",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aicap version %s\n", Version)
		},
	}
}
