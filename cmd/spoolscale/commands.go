package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CK6170/Spoolscale-go/internal/app"
	"github.com/CK6170/Spoolscale-go/scale"
	"github.com/CK6170/Spoolscale-go/ui"
)

// oneShot opens the sensors, runs fn and releases them again.
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tare",
		Short: "Record the empty-platform reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				ui.Warningf("Taring for %s, keep the platform empty...\n", a.Config.SampleDuration())
				tare, err := a.Calibrator.Tare(ctx, a.Config.SampleDuration())
				if err != nil {
					return err
				}
				ui.Greenf("Tare value: %.2f\n", tare)
				printModel(a)
				return nil
			})
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newCalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate [known-weight]",
		Short: "Derive the scale factor from a reference mass",
		Long: `Calibrate samples the platform with a reference mass on it and derives the
grams-per-count factor from the stored tare. Without an argument the last
known weight is reused.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				known, err := knownWeightArg(args, a)
				if err != nil {
					return err
				}
				if err := a.Settings.Set(scale.KeyKnownWeight, strconv.FormatFloat(known, 'g', -1, 64)); err != nil {
					return &scale.PersistenceError{Op: "persist", Key: scale.KeyKnownWeight, Err: err}
				}
				ui.Warningf("Calibrating with %g g for %s...\n", known, a.Config.SampleDuration())
				factor, err := a.Calibrator.Calibrate(ctx, known, a.Config.SampleDuration())
				if err != nil {
					return err
				}
				ui.Greenf("Scale factor: %g\n", factor)
				printModel(a)
				return nil
			})
		},
	}
	addRunFlags(cmd)
	return cmd
}

func printModel(a *app.App) {
	m := a.Calibrator.Model()
	ui.Debugf(debugEnabled(a.Config), "model: tare=%g factor=%g tared=%t scaled=%t (%s)\n",
		m.TareValue, m.ScaleFactor, m.Tared, m.Scaled, a.Settings.Path())
}

func knownWeightArg(args []string, a *app.App) (float64, error) {
	if len(args) == 0 {
		return a.KnownWeight()
	}
	w, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("known weight %q: %w", args[0], err)
	}
	if err := scale.ValidateKnownWeight(w); err != nil {
		return 0, err
	}
	return w, nil
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the measurement history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a := &app.App{Config: cfg}
			defer a.Close()
			hist, err := a.OpenHistory()
			if err != nil {
				return err
			}
			if err := hist.Clear(); err != nil {
				return err
			}
			ui.Greenf("History cleared\n")
			return nil
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addRunFlags(cmd)
	return cmd
}
