package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/state"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{},
		Short:   "Show version",
		Long:    `Show version of both the client and the running worker (if any)`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.Config
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			id, ok, err := state.NewStore(cfg.StateDir).ReadIdentity(cfg.Worker.Name)
			if err != nil || !ok || !id.Valid() {
				fmt.Fprintln(os.Stderr, "Worker: not running")
				return
			}

			health, err := fetchHealth(id.Address(), 2*time.Second)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Worker: not responding")
				return
			}

			if version, ok := health["version"].(string); ok {
				workerFormatted := core.FormatVersion(version)
				fmt.Fprintf(os.Stderr, "Worker version: %s\n", workerFormatted)

				if clientVersion != version {
					slog.Warn(fmt.Sprintf("Version mismatch! Client %s and worker %s versions differ. Consider restarting the supervisor.", clientFormatted, workerFormatted))
				}
			}
		},
	}

	return versionCmd
}
