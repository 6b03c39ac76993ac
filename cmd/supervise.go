package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/supervisor"
)

func NewSuperviseCommand() *cobra.Command {
	var hostPID int

	superviseCmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the worker for as long as the host is alive",
		Long: `Sweep leftover workers, launch the worker unless one is already running and
watch the host process. When the host exits, or on SIGINT/SIGTERM, the worker is
stopped and the state directory is purged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config

			journal := openJournal(cfg)
			if journal != nil {
				defer journal.Close()
			}

			s := supervisor.New(cfg, supervisor.Options{
				HostPID: hostPID,
				Journal: journal,
			})
			return s.Run()
		},
	}
	superviseCmd.Flags().IntVar(&hostPID, "host-pid", 0, "watch this process id instead of matching the host pattern")

	return superviseCmd
}

// openJournal opens the event journal; the journal is optional
func openJournal(cfg *core.Configuration) *db.DB {
	journal, err := db.Open(cfg.GetEventsDBPath())
	if err != nil {
		slog.Warn("Event journal unavailable", "path", cfg.GetEventsDBPath(), "error", err)
		return nil
	}
	return journal
}
