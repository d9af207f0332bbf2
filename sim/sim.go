// Package sim provides simulated load cells for running the scale without
// hardware.
package sim

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/CK6170/Spoolscale-go/scale"
)

var ErrClosed = errors.New("sim: cell closed")

// Load is the mass resting on the platform, shared by every cell under it.
// A non-zero drain removes mass continuously, like filament being printed.
type Load struct {
	mu    sync.Mutex
	grams float64
	drain float64 // grams per minute
	since time.Time
	now   func() time.Time
}

func NewLoad(grams, drainPerMinute float64) *Load {
	return &Load{grams: grams, drain: drainPerMinute, since: time.Now(), now: time.Now}
}

func (l *Load) Set(grams float64) {
	l.mu.Lock()
	l.grams, l.since = grams, l.now()
	l.mu.Unlock()
}

func (l *Load) Grams() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.grams - l.drain*l.now().Sub(l.since).Minutes()
	if g < 0 {
		return 0
	}
	return g
}

// CellConfig describes one simulated cell.
type CellConfig struct {
	Offset float64 // counts with nothing on the platform
	Gain   float64 // counts per gram carried by this cell
	Noise  float64 // standard deviation in counts
	// Conversion is the time one read takes; HX711s run at 10 or 80 Hz.
	Conversion time.Duration
}

// Cell is a scale.Sensor carrying share of the platform load.
type Cell struct {
	cfg   CellConfig
	load  *Load
	share float64

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
}

var _ scale.Sensor = (*Cell)(nil)

func NewCell(cfg CellConfig, load *Load, share float64, seed uint64) *Cell {
	return &Cell{cfg: cfg, load: load, share: share, rng: rand.New(rand.NewPCG(seed, seed^0x5eed))}
}

// NewCells builds n cells sharing load equally.
func NewCells(n int, cfg CellConfig, load *Load, seed uint64) []scale.Sensor {
	cells := make([]scale.Sensor, n)
	for i := range cells {
		cells[i] = NewCell(cfg, load, 1/float64(n), seed+uint64(i))
	}
	return cells
}

func (c *Cell) ReadRaw(ctx context.Context) (float64, error) {
	if c.cfg.Conversion > 0 {
		t := time.NewTimer(c.cfg.Conversion)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	grams := 0.0
	if c.load != nil {
		grams = c.load.Grams() * c.share
	}
	return c.cfg.Offset + c.cfg.Gain*grams + c.cfg.Noise*c.rng.NormFloat64(), nil
}

func (c *Cell) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
