package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftlab/pulse/version"
)

// NewVersionCmd prints build metadata.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}
