package scale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// SensorReader is the sensor array as seen by the loop: it reads samples and
// is closed exactly once when the loop exits.
type SensorReader interface {
	Reader
	Close() error
}

// History is the bounded buffer of accepted medians.
type History interface {
	Append(v float64) error
	Values() []float64
	Clear() error
}

// PlotData is what the renderer receives for one cycle. Times are minutes
// relative to the newest sample (so all values are <= 0).
type PlotData struct {
	Times    []float64
	Raw      []float64
	Smoothed []float64
	Density  float64
	Diameter float64
}

type Renderer interface {
	Render(PlotData) error
}

// Reading is published after every accepted measurement.
type Reading struct {
	Time           time.Time      `json:"time"`
	Estimate       WeightEstimate `json:"estimate"`
	Samples        int            `json:"samples"`
	History        int            `json:"history"`
	Trend          float64        `json:"trend"`
	TrendSigma     float64        `json:"trendSigma"`
	TimeToEmpty    time.Duration  `json:"timeToEmpty,omitempty"`
	HasTimeToEmpty bool           `json:"hasTimeToEmpty"`
	LengthM        float64        `json:"lengthM,omitempty"`
	HasLength      bool           `json:"hasLength"`
}

// Machine is the measurement loop. It measures continuously and runs one
// operator command per cycle when the mailbox holds one.
type Machine struct {
	Sensors       SensorReader
	Calibrator    *Calibrator
	History       History
	Settings      Settings
	Renderer      Renderer
	Mailbox       *Mailbox[OperatingState]
	Logger        *slog.Logger
	Duration      time.Duration
	WindowMinutes float64
	Rand          *rand.Rand

	mu   sync.RWMutex
	last *Reading
	subs []func(Reading)

	cleanupOnce sync.Once
}

// Subscribe registers fn to receive every published reading. fn runs on the
// loop goroutine and must not block.
func (m *Machine) Subscribe(fn func(Reading)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

func (m *Machine) Last() (Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Reading{}, false
	}
	return *m.last, true
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *Machine) validate() error {
	switch {
	case m.Sensors == nil:
		return fmt.Errorf("machine: no sensors")
	case m.Calibrator == nil:
		return fmt.Errorf("machine: no calibrator")
	case m.History == nil:
		return fmt.Errorf("machine: no history store")
	case m.Mailbox == nil:
		return fmt.Errorf("machine: no mailbox")
	case m.Duration <= 0:
		return fmt.Errorf("machine: sample duration must be > 0")
	}
	return nil
}

// Run loops until ctx is cancelled or a cycle fails with an error that is not
// confined to that cycle. The sensors are released exactly once on return.
func (m *Machine) Run(ctx context.Context) error {
	defer m.cleanup()
	if err := m.validate(); err != nil {
		return err
	}
	log := m.logger()
	log.Info("measurement loop started", "duration", m.Duration, "window_minutes", m.WindowMinutes)
	for {
		if ctx.Err() != nil {
			log.Info("measurement loop stopped")
			return nil
		}
		state := m.next()
		err := m.cycle(ctx, state)
		switch {
		case err == nil:
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			log.Info("measurement loop stopped", "state", state)
			return nil
		case Recoverable(err):
			log.Warn("cycle failed", "state", state, "err", err)
		default:
			log.Error("fatal cycle error", "state", state, "err", err)
			return fmt.Errorf("%s: %w", state, err)
		}
	}
}

// next resolves the state for this cycle: the pending command, or Measuring.
func (m *Machine) next() OperatingState {
	if s, ok := m.Mailbox.TryTake(); ok {
		return s
	}
	return StateMeasuring
}

func (m *Machine) cycle(ctx context.Context, state OperatingState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	log := m.logger()
	switch state {
	case StateMeasuring:
		return m.measure(ctx)
	case StateTaring:
		log.Info("taring, ensure the scale is empty", "duration", m.Duration)
		tare, err := m.Calibrator.Tare(ctx, m.Duration)
		if err != nil {
			return err
		}
		log.Info("tare complete", "tare_value", tare)
	case StateCalibrating:
		known, err := KnownWeight(m.Settings)
		if err != nil {
			return err
		}
		log.Info("calibrating", "known_weight", known, "duration", m.Duration)
		factor, err := m.Calibrator.Calibrate(ctx, known, m.Duration)
		if err != nil {
			return err
		}
		log.Info("calibration complete", "scale_factor", factor)
	case StateClearing:
		if err := m.History.Clear(); err != nil {
			return &PersistenceError{Op: "clear history", Err: err}
		}
		log.Info("history cleared")
	default:
		return fmt.Errorf("unknown state %d", state)
	}
	return nil
}

func (m *Machine) measure(ctx context.Context) error {
	series, err := Collect(ctx, m.Sensors, m.Duration, nil)
	if err != nil {
		return err
	}
	est, err := Summarize(series, m.Calibrator.Model(), m.Rand)
	if err != nil {
		return err
	}
	if err := m.History.Append(est.Median); err != nil {
		return &PersistenceError{Op: "append history", Err: err}
	}
	values := m.History.Values()
	smoothed := Smooth(values, m.WindowMinutes, m.Duration)

	reading := Reading{
		Time:       time.Now(),
		Estimate:   est,
		Samples:    len(series),
		History:    len(values),
		TrendSigma: smoothed.Sigma,
	}
	if n := len(smoothed.Series); n > 0 {
		reading.Trend = smoothed.Series[n-1]
	}
	reading.TimeToEmpty, reading.HasTimeToEmpty = TimeToEmpty(smoothed.Series, m.Duration)
	density, diameter := m.material()
	reading.LengthM, reading.HasLength = FilamentLength(est.Median, density, diameter)

	m.logger().Info("measurement", "weight", est.String(), "samples", len(series), "history", len(values))

	var renderErr error
	if m.Renderer != nil {
		err := m.Renderer.Render(PlotData{
			Times:    timeAxis(len(values), m.Duration),
			Raw:      values,
			Smoothed: smoothed.Series,
			Density:  density,
			Diameter: diameter,
		})
		if err != nil {
			renderErr = &RenderError{Err: err}
		}
	}
	m.publish(reading)
	return renderErr
}

func (m *Machine) material() (density, diameter float64) {
	if m.Settings == nil {
		return 0, 0
	}
	density, _, _ = settingFloat(m.Settings, KeyDensity)
	diameter, _, _ = settingFloat(m.Settings, KeyDiameter)
	return density, diameter
}

func (m *Machine) publish(r Reading) {
	m.mu.Lock()
	m.last = &r
	subs := slices.Clone(m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(r)
	}
}

func (m *Machine) cleanup() {
	m.cleanupOnce.Do(func() {
		if m.Sensors == nil {
			return
		}
		if err := m.Sensors.Close(); err != nil {
			m.logger().Error("sensor cleanup failed", "err", err)
			return
		}
		m.logger().Info("sensors released")
	})
}

func timeAxis(n int, step time.Duration) []float64 {
	t := make([]float64, n)
	for i := range t {
		t[i] = -float64(n-1-i) * step.Minutes()
	}
	return t
}
