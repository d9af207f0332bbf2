package scale

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Setting keys shared with the settings store and the control plane.
const (
	KeyTareValue   = "tare_value"
	KeyScaleFactor = "scale_factor"
	KeyKnownWeight = "known_weight"
	KeyDensity     = "density"
	KeyDiameter    = "diameter"
)

// Settings is the named scalar store calibration state is persisted to. Set
// must leave the previous value intact when it fails.
type Settings interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Calibration is the linear model weight = (raw - TareValue) * ScaleFactor.
type Calibration struct {
	TareValue   float64 `json:"tareValue"`
	ScaleFactor float64 `json:"scaleFactor"`
	Tared       bool    `json:"tared"`
	Scaled      bool    `json:"scaled"`
}

func (c Calibration) Complete() bool { return c.Tared && c.Scaled }

func (c Calibration) Weight(raw float64) (float64, error) {
	if !c.Complete() {
		return 0, ErrNotCalibrated
	}
	return (raw - c.TareValue) * c.ScaleFactor, nil
}

func (c Calibration) Weights(raw []float64) ([]float64, error) {
	if !c.Complete() {
		return nil, ErrNotCalibrated
	}
	w := make([]float64, len(raw))
	copy(w, raw)
	floats.AddConst(-c.TareValue, w)
	floats.Scale(c.ScaleFactor, w)
	return w, nil
}

// LoadCalibration restores the persisted model. Missing keys leave the
// corresponding part unset; unparsable values are reported.
func LoadCalibration(s Settings) (Calibration, error) {
	var c Calibration
	if s == nil {
		return c, nil
	}
	if v, ok, err := settingFloat(s, KeyTareValue); err != nil {
		return c, err
	} else if ok {
		c.TareValue, c.Tared = v, true
	}
	if v, ok, err := settingFloat(s, KeyScaleFactor); err != nil {
		return c, err
	} else if ok {
		c.ScaleFactor, c.Scaled = v, true
	}
	return c, nil
}

func settingFloat(s Settings, key string) (float64, bool, error) {
	raw, ok := s.Get(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false, &PersistenceError{Op: "parse", Key: key, Err: err}
	}
	return v, true, nil
}

// Calibrator owns the calibration model and runs the tare and calibrate
// operations against a sensor reader.
type Calibrator struct {
	mu       sync.RWMutex
	model    Calibration
	reader   Reader
	settings Settings
}

func NewCalibrator(reader Reader, settings Settings) (*Calibrator, error) {
	model, err := LoadCalibration(settings)
	if err != nil {
		return nil, err
	}
	return &Calibrator{model: model, reader: reader, settings: settings}, nil
}

func (c *Calibrator) Model() Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Reload replaces the in-memory model with the persisted one, for when the
// settings were changed outside the process.
func (c *Calibrator) Reload() error {
	model, err := LoadCalibration(c.settings)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	return nil
}

// Tare sets the tare value to the median raw reading of an empty scale.
// The scale factor is left untouched.
func (c *Calibrator) Tare(ctx context.Context, duration time.Duration) (float64, error) {
	series, err := Collect(ctx, c.reader, duration, nil)
	if err != nil {
		return 0, fmt.Errorf("tare: %w", err)
	}
	tare := Median(series)
	if err := c.persist(KeyTareValue, tare); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.model.TareValue, c.model.Tared = tare, true
	c.mu.Unlock()
	return tare, nil
}

// Calibrate derives the scale factor from a reference mass placed on a tared
// scale: known / (median raw - tare).
func (c *Calibrator) Calibrate(ctx context.Context, knownWeight float64, duration time.Duration) (float64, error) {
	current := c.Model()
	if !current.Tared {
		return 0, ErrNotTared
	}
	series, err := Collect(ctx, c.reader, duration, nil)
	if err != nil {
		return 0, fmt.Errorf("calibrate: %w", err)
	}
	delta := Median(series) - current.TareValue
	if delta == 0 {
		return 0, ErrDivisionByZero
	}
	factor := knownWeight / delta
	if err := c.persist(KeyScaleFactor, factor); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.model.ScaleFactor, c.model.Scaled = factor, true
	c.mu.Unlock()
	return factor, nil
}

func (c *Calibrator) persist(key string, v float64) error {
	if c.settings == nil {
		return nil
	}
	if err := c.settings.Set(key, strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
		return &PersistenceError{Op: "persist", Key: key, Err: err}
	}
	return nil
}
