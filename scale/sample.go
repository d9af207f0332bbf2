package scale

import (
	"context"
	"fmt"
	"time"
)

type SampleUpdate struct {
	Done    int
	Elapsed time.Duration
	Last    float64
}

// Collect reads from r until duration has elapsed and returns every raw
// sample in order. There is no fixed sample count: the series holds whatever
// the sensors delivered in the window, and always at least one sample even
// when duration is shorter than a single read.
//
// Only ctx cancellation (shutdown) aborts a collection early.
func Collect(ctx context.Context, r Reader, duration time.Duration, onUpdate func(SampleUpdate)) ([]float64, error) {
	if r == nil {
		return nil, fmt.Errorf("no sensor reader")
	}
	start := time.Now()
	deadline := start.Add(duration)
	samples := make([]float64, 0, 64)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := r.Read(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, v)
		if onUpdate != nil {
			onUpdate(SampleUpdate{Done: len(samples), Elapsed: time.Since(start), Last: v})
		}
		if !time.Now().Before(deadline) {
			return samples, nil
		}
	}
}
