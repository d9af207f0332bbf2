package scale

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu     sync.Mutex
	values []float64
	fail   error
}

func (h *memHistory) Append(v float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.values = append(h.values, v)
	return nil
}

func (h *memHistory) Values() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.values...)
}

func (h *memHistory) Clear() error {
	h.mu.Lock()
	h.values = nil
	h.mu.Unlock()
	return nil
}

type renderFunc func(PlotData) error

func (f renderFunc) Render(p PlotData) error { return f(p) }

func noisyCell() *fakeSensor {
	return &fakeSensor{
		values: []float64{1000, 1003, 997, 1001, 999, 1002, 998, 1004, 996},
		delay:  time.Millisecond,
	}
}

func newTestMachine(t *testing.T, settings *memSettings) (*Machine, *SensorArray, *fakeSensor) {
	t.Helper()
	cell := noisyCell()
	arr, err := NewSensorArray(cell)
	require.NoError(t, err)
	cal, err := NewCalibrator(arr, settings)
	require.NoError(t, err)
	return &Machine{
		Sensors:       arr,
		Calibrator:    cal,
		History:       &memHistory{},
		Settings:      settings,
		Mailbox:       NewMailbox[OperatingState](),
		Logger:        slog.New(slog.DiscardHandler),
		Duration:      20 * time.Millisecond,
		WindowMinutes: 1,
		Rand:          rand.New(rand.NewPCG(5, 8)),
	}, arr, cell
}

func calibratedSettings() *memSettings {
	s := newMemSettings()
	s.m[KeyTareValue] = "0"
	s.m[KeyScaleFactor] = "0.1"
	return s
}

func TestMachine_MeasuresWhenMailboxEmpty(t *testing.T) {
	m, _, cell := newTestMachine(t, calibratedSettings())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []Reading
	m.Subscribe(func(r Reading) {
		got = append(got, r)
		if len(got) == 2 {
			cancel()
		}
	})
	require.NoError(t, m.Run(ctx))

	require.Len(t, got, 2)
	assert.InDelta(t, 100.0, got[0].Estimate.Median, 0.5)
	assert.Greater(t, got[0].Samples, 0)
	assert.Equal(t, 2, got[1].History)
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, got[1], last)
	assert.Equal(t, int32(1), cell.closed.Load())
}

func TestMachine_RendersEveryMeasurement(t *testing.T) {
	m, _, _ := newTestMachine(t, calibratedSettings())
	m.Settings.(*memSettings).m[KeyDensity] = "1.24"
	m.Settings.(*memSettings).m[KeyDiameter] = "1.75"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var plots []PlotData
	m.Renderer = renderFunc(func(p PlotData) error {
		plots = append(plots, p)
		return nil
	})
	var reading Reading
	m.Subscribe(func(r Reading) { reading = r; cancel() })
	require.NoError(t, m.Run(ctx))

	require.Len(t, plots, 1)
	assert.Equal(t, []float64{0}, plots[0].Times)
	assert.Equal(t, 1.24, plots[0].Density)
	assert.True(t, reading.HasLength)
	assert.Greater(t, reading.LengthM, 0.0)
}

func TestMachine_RenderFailureIsRecoverable(t *testing.T) {
	m, _, _ := newTestMachine(t, calibratedSettings())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Renderer = renderFunc(func(PlotData) error { return errors.New("disk full") })
	n := 0
	m.Subscribe(func(Reading) {
		n++
		if n == 2 {
			cancel()
		}
	})
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 2, n)
}

func TestMachine_NotCalibratedKeepsLooping(t *testing.T) {
	m, _, cell := newTestMachine(t, newMemSettings())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, m.Run(ctx))
	assert.Empty(t, m.History.Values())
	_, ok := m.Last()
	assert.False(t, ok)
	assert.Equal(t, int32(1), cell.closed.Load())
}

func TestMachine_TareCommand(t *testing.T) {
	settings := newMemSettings()
	settings.m[KeyScaleFactor] = "1"
	m, _, _ := newTestMachine(t, settings)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Mailbox.Push(StateTaring)
	var reading Reading
	m.Subscribe(func(r Reading) { reading = r; cancel() })
	require.NoError(t, m.Run(ctx))

	tare, ok := settings.Get(KeyTareValue)
	require.True(t, ok)
	assert.NotEmpty(t, tare)
	assert.True(t, m.Calibrator.Model().Tared)
	assert.InDelta(t, 0.0, reading.Estimate.Median, 5)
}

func TestMachine_CalibrateCommand(t *testing.T) {
	settings := newMemSettings()
	settings.m[KeyTareValue] = "500"
	m, _, _ := newTestMachine(t, settings)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, NewController(m.Mailbox, settings).Calibrate(250))
	var reading Reading
	m.Subscribe(func(r Reading) { reading = r; cancel() })
	require.NoError(t, m.Run(ctx))

	model := m.Calibrator.Model()
	require.True(t, model.Complete())
	assert.InDelta(t, 0.5, model.ScaleFactor, 0.02)
	assert.InDelta(t, 250.0, reading.Estimate.Median, 10)
}

func TestMachine_CalibrateWithoutWeightContinues(t *testing.T) {
	m, _, _ := newTestMachine(t, calibratedSettings())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Mailbox.Push(StateCalibrating)
	m.Subscribe(func(Reading) { cancel() })
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 0.1, m.Calibrator.Model().ScaleFactor)
}

func TestMachine_ClearCommand(t *testing.T) {
	m, _, _ := newTestMachine(t, calibratedSettings())
	hist := &memHistory{values: []float64{1, 2, 3}}
	m.History = hist
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Mailbox.Push(StateClearing)
	var reading Reading
	m.Subscribe(func(r Reading) { reading = r; cancel() })
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 1, reading.History)
	assert.Len(t, hist.Values(), 1)
}

func TestMachine_FatalErrorStopsAndReleasesSensors(t *testing.T) {
	m, arr, cell := newTestMachine(t, calibratedSettings())
	m.Renderer = renderFunc(func(PlotData) error { panic("bad plot") })

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad plot")
	assert.False(t, Recoverable(err))
	assert.Equal(t, int32(1), cell.closed.Load())

	// a second close is a no-op
	require.NoError(t, arr.Close())
	assert.Equal(t, int32(1), cell.closed.Load())
}

func TestMachine_AcquisitionErrorIsRecoverable(t *testing.T) {
	m, _, cell := newTestMachine(t, calibratedSettings())
	cell.mu.Lock()
	cell.err = errors.New("timeout")
	cell.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, m.Run(ctx))
	assert.Empty(t, m.History.Values())
}

func TestMachine_ValidatesDependencies(t *testing.T) {
	m := &Machine{Mailbox: NewMailbox[OperatingState]()}
	assert.Error(t, m.Run(context.Background()))
}

func TestTimeAxis(t *testing.T) {
	assert.Equal(t, []float64{-2, -1, 0}, timeAxis(3, time.Minute))
	assert.Empty(t, timeAxis(0, time.Minute))
}
