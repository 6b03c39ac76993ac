package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/state"
	"go.olrik.dev/tether/internal/supervisor"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running worker",
		Long: `Send SIGTERM to the worker recorded in the state directory.

The worker drains in-flight requests, releases its host session and removes its
identity record before exiting.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			procs := supervisor.SystemProcessTable()

			id, ok, err := state.NewStore(cfg.StateDir).ReadIdentity(cfg.Worker.Name)
			if err != nil {
				return fmt.Errorf("failed to read worker identity: %w", err)
			}
			if !ok || !id.Valid() || !procs.Alive(id.PID) {
				slog.Warn("Worker is not running")
				return nil
			}

			proc, err := os.FindProcess(id.PID)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal worker (PID %d): %w", id.PID, err)
			}
			slog.Info("Stop signal sent", "pid", id.PID)

			// Wait for the worker to finish its shutdown sequence
			maxWait := cfg.Worker.ShutdownGrace + 5*time.Second
			pollInterval := 100 * time.Millisecond
			for elapsed := time.Duration(0); elapsed < maxWait; elapsed += pollInterval {
				time.Sleep(pollInterval)
				if !procs.Alive(id.PID) {
					slog.Debug("Worker shutdown confirmed")
					return nil
				}
			}

			slog.Warn("Worker did not shut down within timeout, but stop signal was sent", "pid", id.PID)
			return nil
		},
	}
}
