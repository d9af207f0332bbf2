package scale

import (
	"errors"
	"fmt"
)

var (
	ErrNotCalibrated        = errors.New("scale not calibrated: tare and calibrate first")
	ErrNotTared             = errors.New("scale not tared")
	ErrDivisionByZero       = errors.New("reading with reference weight equals tare value")
	ErrDegenerateStatistics = errors.New("zero-width confidence interval")
	ErrNoKnownWeight        = errors.New("known weight not configured")
	ErrEmptySeries          = errors.New("empty sample series")
)

// AcquisitionError reports a sensor read that failed part way through a sample.
type AcquisitionError struct {
	Sensor int
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("sensor %d read failed: %v", e.Sensor, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write (or parse) of persisted state. The
// previously persisted value stays authoritative.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Recoverable reports whether err is confined to a single cycle. The machine
// logs recoverable errors and keeps measuring; anything else stops the loop.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	var acq *AcquisitionError
	var pe *PersistenceError
	var re *RenderError
	switch {
	case errors.As(err, &acq), errors.As(err, &pe), errors.As(err, &re):
		return true
	case errors.Is(err, ErrNotCalibrated),
		errors.Is(err, ErrNotTared),
		errors.Is(err, ErrDivisionByZero),
		errors.Is(err, ErrDegenerateStatistics),
		errors.Is(err, ErrNoKnownWeight),
		errors.Is(err, ErrEmptySeries):
		return true
	}
	return false
}

// RenderError wraps a failure of the plot renderer.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return "render plot: " + e.Err.Error() }

func (e *RenderError) Unwrap() error { return e.Err }
