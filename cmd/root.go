package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var stateDir string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:           "tether",
		Short:         "Tether - host-bound worker supervisor",
		Long:          `Tether runs a local worker process for a desktop host, keeps it connected to the host and tears it down when the host exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if stateDir != "" {
				cfg.StateDir = stateDir
			}
			if verbose > cfg.Verbose {
				cfg.Verbose = verbose
			}

			core.Config = cfg
			core.SetupLogging(os.Stderr, cfg.Verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().StringVar(
		&stateDir, "state-dir", "",
		fmt.Sprintf("state directory (default $%s or %s)", core.StateDirEnv, core.DefaultStateDir()),
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewSuperviseCommand(),
		NewWorkerCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewEventsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
