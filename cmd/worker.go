package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/bridge"
	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/worker"
)

// NewWorkerCommand runs the worker process. The supervisor launches it via
// its alias so the alias shows up in the command line.
func NewWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "worker",
		Aliases: []string{core.WorkerMarker},
		Hidden:  true,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config

			journal := openJournal(cfg)
			if journal != nil {
				defer journal.Close()
			}

			dialer := bridge.NewGRPCDialer(cfg.Bridge.Address, cfg.Bridge.CallTimeout)
			return worker.New(cfg, dialer, journal).Run()
		},
	}
}
