package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Sensor returns one filtered raw count per call.
type Sensor interface {
	ReadRaw(ctx context.Context) (float64, error)
	Close() error
}

// Reader produces one combined raw sample per call.
type Reader interface {
	Read(ctx context.Context) (float64, error)
}

// SensorArray sums the counts of independent load cells. Reads are fanned out
// one goroutine per sensor and the sample is only complete once all return.
type SensorArray struct {
	sensors   []Sensor
	closeOnce sync.Once
	closeErr  error
}

func NewSensorArray(sensors ...Sensor) (*SensorArray, error) {
	if len(sensors) == 0 {
		return nil, fmt.Errorf("no sensors configured")
	}
	return &SensorArray{sensors: sensors}, nil
}

func (a *SensorArray) Len() int { return len(a.sensors) }

// Read returns the sum of one read per sensor. The first failing sensor fails
// the whole sample; no partial sum is ever returned.
func (a *SensorArray) Read(ctx context.Context) (float64, error) {
	counts := make([]float64, len(a.sensors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(a.sensors))
	for i, s := range a.sensors {
		g.Go(func() error {
			v, err := s.ReadRaw(gctx)
			if err != nil {
				return &AcquisitionError{Sensor: i, Err: err}
			}
			counts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, c := range counts {
		sum += c
	}
	return sum, nil
}

// Close releases every sensor. Only the first call does any work.
func (a *SensorArray) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for i, s := range a.sensors {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sensor %d: %w", i, err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
