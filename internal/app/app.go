// Package app wires configuration, sensors, storage, the measurement loop
// and the control endpoint into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CK6170/Spoolscale-go/chart"
	"github.com/CK6170/Spoolscale-go/config"
	"github.com/CK6170/Spoolscale-go/history"
	"github.com/CK6170/Spoolscale-go/internal/logging"
	"github.com/CK6170/Spoolscale-go/internal/server"
	"github.com/CK6170/Spoolscale-go/scale"
	"github.com/CK6170/Spoolscale-go/serial"
	"github.com/CK6170/Spoolscale-go/sim"
)

// simConversion matches an HX711 running at 80 samples per second.
const simConversion = 12500 * time.Microsecond

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Settings   *config.Store
	Sensors    *scale.SensorArray
	Calibrator *scale.Calibrator
	Controller *scale.Controller
	Mailbox    *scale.Mailbox[scale.OperatingState]

	// Load is the simulated platform load; nil with real sensors.
	Load *sim.Load

	closers []io.Closer
}

// New validates cfg and opens the settings store and the sensors. The history
// and the loop are only set up by Machine, so one-shot commands stay cheap.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Mailbox: scale.NewMailbox[scale.OperatingState]()}

	settings, err := config.OpenStore(cfg.State, logging.WithComponent(logger, "settings"))
	if err != nil {
		return nil, err
	}
	a.Settings = settings

	sensors, err := a.openSensors(ctx)
	if err != nil {
		return nil, err
	}
	a.Sensors, err = scale.NewSensorArray(sensors...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Sensors)

	a.Calibrator, err = scale.NewCalibrator(a.Sensors, settings)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restore calibration: %w", err)
	}
	a.Controller = scale.NewController(a.Mailbox, settings)
	return a, nil
}

func (a *App) openSensors(ctx context.Context) ([]scale.Sensor, error) {
	sc := a.Config.Sensors
	if sc.Simulate {
		a.Load = sim.NewLoad(sc.Sim.Load, sc.Sim.Drain)
		cfg := sim.CellConfig{Offset: sc.Sim.Offset, Gain: sc.Sim.Gain, Noise: sc.Sim.Noise, Conversion: simConversion}
		a.Logger.Info("using simulated load cells", "cells", len(sc.Channels), "load_g", sc.Sim.Load)
		return sim.NewCells(len(sc.Channels), cfg, a.Load, uint64(time.Now().UnixNano())), nil
	}

	port := sc.Port
	if port == "" {
		port = serial.AutoDetectPort(ctx, sc.Baud)
		if port == "" {
			return nil, errors.New("no sensor bridge found; set sensors.port")
		}
		a.Logger.Info("sensor bridge detected", "port", port)
	}
	bridge, err := serial.Open(serial.PortConfig{Name: port, Baud: sc.Baud, Timeout: a.Config.ReadTimeout()})
	if err != nil {
		return nil, err
	}
	if major, minor, patch, err := bridge.Version(ctx); err != nil {
		a.Logger.Warn("sensor bridge did not report a version", "port", port, "err", err)
	} else {
		a.Logger.Info("sensor bridge ready", "port", port, "version", fmt.Sprintf("%d.%d.%d", major, minor, patch))
	}
	return bridge.Sensors(sc.Channels...), nil
}

// OpenHistory opens the configured history backend.
func (a *App) OpenHistory() (scale.History, error) {
	switch a.Config.HistoryBackend {
	case config.BackendBadger:
		store, err := history.OpenBadger(history.BadgerOptions{Dir: a.Config.BadgerDir(), Capacity: a.Config.Capacity})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	default:
		return history.OpenFile(a.Config.Output, a.Config.Capacity)
	}
}

// Machine builds the measurement loop. Calibration edits made to the
// settings file while it runs are picked up through Settings.OnChange.
func (a *App) Machine() (*scale.Machine, error) {
	hist, err := a.OpenHistory()
	if err != nil {
		return nil, err
	}
	m := &scale.Machine{
		Sensors:       a.Sensors,
		Calibrator:    a.Calibrator,
		History:       hist,
		Settings:      a.Settings,
		Mailbox:       a.Mailbox,
		Logger:        logging.WithComponent(a.Logger, "loop"),
		Duration:      a.Config.SampleDuration(),
		WindowMinutes: a.Config.WindowMinutes,
	}
	if a.Config.Plot != "" {
		m.Renderer = chart.NewRenderer(a.Config.Plot)
	}
	a.Settings.OnChange(func(map[string]string) {
		if err := a.Calibrator.Reload(); err != nil {
			a.Logger.Warn("calibration reload failed", "err", err)
			return
		}
		a.Logger.Info("calibration reloaded from settings", "model", a.Calibrator.Model())
	})
	return m, nil
}

// Server builds the control endpoint, or returns nil when no port is set.
func (a *App) Server(m *scale.Machine) *server.Server {
	if a.Config.Server.Port == 0 {
		return nil
	}
	static := ""
	if a.Config.Plot != "" {
		static = filepath.Dir(a.Config.Plot)
	}
	srv := server.New(server.Options{
		Commands:  a.Controller,
		Readings:  m,
		StaticDir: static,
		RateLimit: a.Config.Server.RateLimit,
		Burst:     a.Config.Server.Burst,
		Logger:    logging.WithComponent(a.Logger, "http"),
	})
	m.Subscribe(srv.PublishReading)
	return srv
}

func (a *App) Addr() string {
	return net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port))
}

// Run drives the loop, the control endpoint and the settings watcher until
// ctx is done or the loop fails.
func (a *App) Run(ctx context.Context, m *scale.Machine, srv *server.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := a.Settings.Watch(gctx); err != nil {
		a.Logger.Warn("settings hot reload disabled", "err", err)
	}
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()
	g.Go(func() error {
		err := m.Run(loopCtx)
		if err != nil {
			return fmt.Errorf("measurement loop: %w", err)
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			defer stopLoop()
			return srv.ListenAndServe(gctx, a.Addr())
		})
	}
	return g.Wait()
}

// KnownWeight is the last reference mass submitted for calibration.
func (a *App) KnownWeight() (float64, error) {
	return scale.KnownWeight(a.Settings)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
