// Command spoolscale runs the filament spool scale: continuous weighing,
// tare and calibration commands, and the local control endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spoolscale",
		Short: "Continuous load-cell weight estimator for filament spools",
		Long: `spoolscale samples a load-cell array, estimates the resting weight with a
bootstrap confidence interval, and keeps a smoothed history for extrapolating
when the spool runs empty.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "configuration file (toml, yaml or json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		newRunCmd(),
		newTareCmd(),
		newCalibrateCmd(),
		newClearCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spoolscale %s (%s)\n", version, commit)
		},
	}
}
