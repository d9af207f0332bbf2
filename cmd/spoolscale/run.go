package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CK6170/Spoolscale-go/internal/app"
	"github.com/CK6170/Spoolscale-go/ui"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Weigh continuously until interrupted",
		Long: `Run measures the platform continuously. Each measurement samples the sensors
for the configured duration, appends the median weight to the history and
redraws the plot. Tare, calibrate and clear are accepted from the control
endpoint and, with --keys, from the keyboard (t, c, x; q or Esc quits).`,
		Args: cobra.NoArgs,
		RunE: runScale,
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("keys", false, "enable single-key shortcuts")
	return cmd
}

func runScale(cmd *cobra.Command, args []string) error {
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
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.Machine()
	if err != nil {
		return err
	}
	srv := a.Server(m)
	if srv != nil {
		logger.Info("control endpoint enabled", "url", "http://"+a.Addr()+"/")
	}

	if keys, _ := cmd.Flags().GetBool("keys"); keys {
		ch, err := ui.StartKeyEvents()
		if err != nil {
			logger.Warn("keyboard shortcuts unavailable", "err", err)
		} else {
			ui.DrainKeys(ch)
			ui.ClearScreen()
			ui.Greenf("Keys: t tare, c calibrate, x clear history, q quit\n")
			b := ui.Bindings{
				Commands:    a.Controller,
				KnownWeight: a.KnownWeight,
				Quit:        cancel,
				OnCommand: func(name string, err error) {
					if err != nil {
						ui.Warningf("%s: %v\n", name, err)
						return
					}
					ui.Greenf("%s queued\n", name)
				},
			}
			go b.Dispatch(ctx, ch)
		}
	}
	return a.Run(ctx, m, srv)
}
