// Package cmd implements the otatool command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree; each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "otatool",
		Short:         "Inspect the messages and state of the OTA agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newEncodeCmd("hex", "Encode a uint32 as hexadecimal digits", true),
		newEncodeCmd("dec", "Encode a uint32 as decimal digits", false),
		newTopicCmd(),
		newStatusCmd(),
		newMigrateCmd(),
	)
	return root
}

// Execute the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
