package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/driftlab/pulse/cli"
	"github.com/driftlab/pulse/logging"
	"github.com/driftlab/pulse/statussync"
	"github.com/driftlab/pulse/tui/watch"
)

// NewWatchCmd returns the live session observer command.
func NewWatchCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Watch a session's execution status live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logging.SetConfig(cfg.Logging)

			baseURL := server
			if baseURL == "" {
				baseURL = "http://" + cfg.Server.Listen
			}

			client := statussync.NewClient(baseURL, sessionID, cfg.Client)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go client.Run(ctx)
			defer client.Close()

			program := tea.NewProgram(watch.New(client, sessionID), tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("watch UI failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Gateway base URL (default from config)")
	return cmd
}
