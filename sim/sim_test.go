package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/Spoolscale-go/scale"
)

func TestCell_LinearResponse(t *testing.T) {
	load := NewLoad(0, 0)
	cell := NewCell(CellConfig{Offset: 8000, Gain: 2}, load, 1, 1)

	v, err := cell.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8000.0, v)

	load.Set(250)
	v, err = cell.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8500.0, v)
}

func TestLoad_Drains(t *testing.T) {
	load := NewLoad(100, 10)
	base := time.Now()
	load.since = base
	load.now = func() time.Time { return base.Add(3 * time.Minute) }
	assert.InDelta(t, 70, load.Grams(), 1e-9)

	load.now = func() time.Time { return base.Add(time.Hour) }
	assert.Zero(t, load.Grams())
}

func TestCells_ArrayCalibratesEndToEnd(t *testing.T) {
	load := NewLoad(0, 0)
	cells := NewCells(4, CellConfig{Offset: 1000, Gain: 4, Noise: 3}, load, 42)
	arr, err := scale.NewSensorArray(cells...)
	require.NoError(t, err)
	defer arr.Close()

	settings := &mapSettings{m: map[string]string{}}
	cal, err := scale.NewCalibrator(arr, settings)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cal.Tare(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	load.Set(500)
	factor, err := cal.Calibrate(ctx, 500, 20*time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, factor, 0.01)
}

func TestCell_ClosedAndCancelled(t *testing.T) {
	cell := NewCell(CellConfig{Conversion: time.Second}, nil, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cell.ReadRaw(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	fast := NewCell(CellConfig{}, nil, 1, 1)
	require.NoError(t, fast.Close())
	_, err = fast.ReadRaw(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type mapSettings struct{ m map[string]string }

func (s *mapSettings) Get(k string) (string, bool) {
	v, ok := s.m[k]
	return v, ok
}

func (s *mapSettings) Set(k, v string) error {
	s.m[k] = v
	return nil
}
