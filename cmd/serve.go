package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlab/pulse/cli"
	"github.com/driftlab/pulse/config"
	"github.com/driftlab/pulse/gateway"
	"github.com/driftlab/pulse/internal/daemon/pidfile"
	"github.com/driftlab/pulse/logging"
	"github.com/driftlab/pulse/pkg/paths"
	"github.com/driftlab/pulse/tracker"
)

// NewServeCmd returns the daemon command with its subcommands.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Pulse status daemon",
		Long:  "Run the pulse gateway that tracks sessions and streams status to observers.",
	}

	cmd.AddCommand(newServeStartCmd())
	cmd.AddCommand(newServeStopCmd())
	cmd.AddCommand(newServeStatusCmd())

	return cmd
}

func newServeStartCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logging.SetConfig(cfg.Logging)
			logger := logging.NewLogger("pulsed")

			pidPath := paths.PidFilePath()
			if err := pidfile.Acquire(pidPath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			hub := gateway.NewHub(cfg.Server.SendBuffer)
			tr := tracker.New(hub)
			api := gateway.NewAPI(tr, hub, cfg.Server.IdleTimeout.Std())
			srv := gateway.NewServer(api)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Hot-reload logging config while running. Listen address
			// changes need a restart; say so instead of silently ignoring.
			if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
				startConfigWatcher(ctx, configPath, cfg, tr, logger)
			} else if cwd, err := os.Getwd(); err == nil {
				if found, err := config.FindConfigFile(cwd); err == nil {
					startConfigWatcher(ctx, found, cfg, tr, logger)
				}
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				logger.Info("Received stop signal")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Shutdown error: %v", err)
				}
			}()

			logger.WithField("pid", os.Getpid()).Info("Starting pulse daemon")
			return srv.ListenAndServe(cfg.Server.Listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

// startConfigWatcher begins watching the config file for changes. Reloads
// update logging settings and push a full snapshot to every observer.
func startConfigWatcher(ctx context.Context, path string, active *config.Config, tr *tracker.Tracker, logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}) {
	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		logging.SetConfig(cfg.Logging)
		if cfg.Server.Listen != active.Server.Listen {
			logger.Warnf("Listen address changed in config; restart to apply")
		}
		tr.BroadcastSnapshots()
	})
	if err != nil {
		logger.Errorf("Config watcher unavailable: %v", err)
		return
	}
	logger.Infof("Watching %s for changes", path)
	go func() {
		defer watcher.Close()
		watcher.Start(ctx)
	}()
}

func newServeStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := paths.PidFilePath()

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

func newServeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			if running {
				fmt.Printf("Running (PID: %d)\n", pid)
			} else {
				fmt.Println("Stopped")
				os.Exit(1)
			}
			return nil
		},
	}
}
