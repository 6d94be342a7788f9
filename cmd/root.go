// Package cmd contains the pulse CLI subcommands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/pulse/cli"
)

// NewRootCmd assembles the pulse command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand("pulse", "Execution status daemon for agent workflows")
	root.Long = "pulse tracks multi-agent workflow sessions and streams their " +
		"status to observers over websocket and HTTP."

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewVersionCmd())

	return root
}
