package scale

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Test helpers

type fakeSensor struct {
	mu     sync.Mutex
	values []float64
	pos    int
	err    error
	delay  time.Duration
	closed atomic.Int32
}

func (f *fakeSensor) ReadRaw(ctx context.Context) (float64, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if len(f.values) == 0 {
		return 0, nil
	}
	v := f.values[f.pos%len(f.values)]
	f.pos++
	return v, nil
}

func (f *fakeSensor) Close() error {
	f.closed.Add(1)
	return nil
}

// seqReader returns a fixed sequence, repeating the last value.
type seqReader struct {
	mu     sync.Mutex
	values []float64
	pos    int
	closed atomic.Int32
}

func (r *seqReader) Read(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[min(r.pos, len(r.values)-1)]
	r.pos++
	return v, nil
}

func (r *seqReader) Close() error {
	r.closed.Add(1)
	return nil
}

func (r *seqReader) set(values ...float64) {
	r.mu.Lock()
	r.values, r.pos = values, 0
	r.mu.Unlock()
}

type memSettings struct {
	mu   sync.Mutex
	m    map[string]string
	fail error
}

func newMemSettings() *memSettings { return &memSettings{m: map[string]string{}} }

func (s *memSettings) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memSettings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.m[key] = value
	return nil
}

// =============================================================================
// SensorArray
// =============================================================================

func TestSensorArray_SumsAllSensors(t *testing.T) {
	arr, err := NewSensorArray(
		&fakeSensor{values: []float64{10}},
		&fakeSensor{values: []float64{20}},
		&fakeSensor{values: []float64{30}},
		&fakeSensor{values: []float64{40}},
	)
	require.NoError(t, err)

	v, err := arr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestSensorArray_SingleFailureFailsSample(t *testing.T) {
	boom := errors.New("dout stuck high")
	arr, err := NewSensorArray(
		&fakeSensor{values: []float64{10}},
		&fakeSensor{err: boom},
		&fakeSensor{values: []float64{30}, delay: 5 * time.Millisecond},
	)
	require.NoError(t, err)

	_, err = arr.Read(context.Background())
	require.Error(t, err)
	var acq *AcquisitionError
	require.ErrorAs(t, err, &acq)
	assert.Equal(t, 1, acq.Sensor)
	assert.ErrorIs(t, err, boom)
}

func TestSensorArray_ReadsInParallel(t *testing.T) {
	sensors := make([]Sensor, 4)
	for i := range sensors {
		sensors[i] = &fakeSensor{values: []float64{1}, delay: 50 * time.Millisecond}
	}
	arr, err := NewSensorArray(sensors...)
	require.NoError(t, err)

	start := time.Now()
	v, err := arr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestSensorArray_CloseOnce(t *testing.T) {
	a, b := &fakeSensor{}, &fakeSensor{}
	arr, err := NewSensorArray(a, b)
	require.NoError(t, err)

	require.NoError(t, arr.Close())
	require.NoError(t, arr.Close())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

func TestNewSensorArray_Empty(t *testing.T) {
	_, err := NewSensorArray()
	assert.Error(t, err)
}

// =============================================================================
// Collect
// =============================================================================

func TestCollect_ShortDurationYieldsOneSample(t *testing.T) {
	r := &seqReader{values: []float64{42}}
	series, err := Collect(context.Background(), r, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, series)
}

func TestCollect_RunsForDuration(t *testing.T) {
	arr, err := NewSensorArray(&fakeSensor{values: []float64{1, 2, 3}, delay: 5 * time.Millisecond})
	require.NoError(t, err)

	var updates int
	start := time.Now()
	series, err := Collect(context.Background(), arr, 60*time.Millisecond, func(SampleUpdate) { updates++ })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Greater(t, len(series), 1)
	assert.Equal(t, len(series), updates)
}

func TestCollect_PropagatesAcquisitionError(t *testing.T) {
	arr, err := NewSensorArray(&fakeSensor{err: errors.New("timeout")})
	require.NoError(t, err)

	_, err = Collect(context.Background(), arr, time.Second, nil)
	var acq *AcquisitionError
	assert.ErrorAs(t, err, &acq)
}

func TestCollect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, &seqReader{values: []float64{1}}, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Mailbox
// =============================================================================

func TestMailbox_LatestWins(t *testing.T) {
	mb := NewMailbox[OperatingState]()
	mb.Push(StateTaring)
	mb.Push(StateCalibrating)
	mb.Push(StateClearing)

	s, ok := mb.TryTake()
	require.True(t, ok)
	assert.Equal(t, StateClearing, s)

	_, ok = mb.TryTake()
	assert.False(t, ok)
}

func TestMailbox_EmptyDoesNotBlock(t *testing.T) {
	mb := NewMailbox[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := mb.TryTake()
		assert.False(t, ok)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryTake blocked on empty mailbox")
	}
}

func TestMailbox_ConcurrentPushersNeverBlock(t *testing.T) {
	mb := NewMailbox[int]()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mb.Push(v)
			}
		}(i)
	}
	wg.Wait()

	_, ok := mb.TryTake()
	assert.True(t, ok)
	_, ok = mb.TryTake()
	assert.False(t, ok)
}

// =============================================================================
// Controller
// =============================================================================

func TestController_CalibratePersistsWeightBeforePush(t *testing.T) {
	mb := NewMailbox[OperatingState]()
	settings := newMemSettings()
	c := NewController(mb, settings)

	require.NoError(t, c.Calibrate(50))
	w, err := KnownWeight(settings)
	require.NoError(t, err)
	assert.Equal(t, 50.0, w)

	s, ok := mb.TryTake()
	require.True(t, ok)
	assert.Equal(t, StateCalibrating, s)
}

func TestController_CalibrateRejectsInvalidWeight(t *testing.T) {
	mb := NewMailbox[OperatingState]()
	c := NewController(mb, newMemSettings())
	for _, w := range []float64{0, -50, math.NaN(), math.Inf(1)} {
		assert.Error(t, c.Calibrate(w), "weight %v", w)
	}
	_, ok := mb.TryTake()
	assert.False(t, ok)
}

func TestController_PersistFailureDoesNotPush(t *testing.T) {
	mb := NewMailbox[OperatingState]()
	settings := newMemSettings()
	settings.fail = errors.New("read-only filesystem")
	c := NewController(mb, settings)

	err := c.Calibrate(10)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	_, ok := mb.TryTake()
	assert.False(t, ok)
}

func TestKnownWeight_Missing(t *testing.T) {
	_, err := KnownWeight(newMemSettings())
	assert.ErrorIs(t, err, ErrNoKnownWeight)
}

func TestOperatingState_String(t *testing.T) {
	assert.Equal(t, "measuring", StateMeasuring.String())
	assert.Equal(t, "clearing", StateClearing.String())
	assert.Equal(t, "unknown", OperatingState(42).String())
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(&AcquisitionError{Err: errors.New("x")}))
	assert.True(t, Recoverable(&PersistenceError{Op: "write", Err: errors.New("x")}))
	assert.True(t, Recoverable(ErrNotCalibrated))
	assert.True(t, Recoverable(ErrDegenerateStatistics))
	assert.True(t, Recoverable(&RenderError{Err: errors.New("x")}))
	assert.False(t, Recoverable(errors.New("unexpected")))
}
