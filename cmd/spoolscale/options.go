package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/CK6170/Spoolscale-go/config"
	"github.com/CK6170/Spoolscale-go/internal/logging"
)

// addRunFlags registers the flags shared by every command that touches the
// sensors. Their defaults come from the built-in configuration.
func addRunFlags(cmd *cobra.Command) {
	def := config.DefaultConfig()
	f := cmd.Flags()
	f.Float64P("duration", "d", def.Duration, "seconds of sampling per measurement")
	f.IntP("capacity", "n", def.Capacity, "number of measurements kept in the history")
	f.StringP("output", "o", def.Output, "history file; the badger backend stores beside it with a .db extension")
	f.StringP("plot", "p", def.Plot, "plot output path, empty to disable")
	f.StringP("host", "H", def.Server.Host, "control endpoint host")
	f.IntP("port", "P", def.Server.Port, "control endpoint port, 0 to disable")
	f.Float64P("window", "w", def.WindowMinutes, "smoothing window in minutes")
	f.String("state", def.State, "calibration and settings file")
	f.String("backend", def.HistoryBackend, "history backend: file or badger")
	f.Bool("simulate", false, "use simulated load cells")
	f.String("serial-port", "", "serial port of the sensor bridge, empty to auto-detect")
}

// loadConfig reads --config and applies every flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("duration") {
		cfg.Duration, _ = f.GetFloat64("duration")
	}
	if f.Changed("capacity") {
		cfg.Capacity, _ = f.GetInt("capacity")
	}
	if f.Changed("output") {
		cfg.Output, _ = f.GetString("output")
	}
	if f.Changed("plot") {
		cfg.Plot, _ = f.GetString("plot")
	}
	if f.Changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("window") {
		cfg.WindowMinutes, _ = f.GetFloat64("window")
	}
	if f.Changed("state") {
		cfg.State, _ = f.GetString("state")
	}
	if f.Changed("backend") {
		cfg.HistoryBackend, _ = f.GetString("backend")
	}
	if f.Changed("simulate") {
		cfg.Sensors.Simulate, _ = f.GetBool("simulate")
	}
	if f.Changed("serial-port") {
		cfg.Sensors.Port, _ = f.GetString("serial-port")
	}
	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Logging.Format, _ = f.GetString("log-format")
	}
	return cfg, cfg.Validate()
}

// debugEnabled reports whether operator prompts should include debug detail.
func debugEnabled(cfg *config.Config) bool {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	return err == nil && level <= logging.LevelDebug
}

func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	lc, err := logging.FromStrings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.Setup(lc), nil
}
