package history

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_DropsOldest(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Values())
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Add(v)
	}
	assert.Equal(t, []float64{3, 4, 5}, r.Values())
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Empty(t, r.Values())
	r.Add(9)
	assert.Equal(t, []float64{9}, r.Values())
}

func TestRing_LoadKeepsNewest(t *testing.T) {
	r := NewRing(2)
	r.Load([]float64{1, 2, 3})
	assert.Equal(t, []float64{2, 3}, r.Values())
}

func TestRing_ConcurrentAdd(t *testing.T) {
	r := NewRing(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Add(float64(j))
				_ = r.Values()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.txt")
	s, err := OpenFile(path, 4)
	require.NoError(t, err)
	assert.Empty(t, s.Values())

	for _, v := range []float64{812.5, 811.25, 809, 808.75, 807.1} {
		require.NoError(t, s.Append(v))
	}
	assert.Equal(t, []float64{811.25, 809, 808.75, 807.1}, s.Values())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "811.25\n809\n808.75\n807.1\n", string(data))

	reopened, err := OpenFile(path, 4)
	require.NoError(t, err)
	assert.Equal(t, s.Values(), reopened.Values())
}

func TestFileStore_LoadTruncatesToCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.txt")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n\n3\n4\n"), 0o644))

	s, err := OpenFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, s.Values())
}

func TestFileStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.txt")
	require.NoError(t, os.WriteFile(path, []byte("1\nabc\n"), 0o644))
	_, err := OpenFile(path, 10)
	assert.ErrorContains(t, err, "line 2")
}

func TestFileStore_ClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.txt")
	s, err := OpenFile(path, 10)
	require.NoError(t, err)
	require.NoError(t, s.Append(1))
	require.FileExists(t, path)

	require.NoError(t, s.Clear())
	assert.Empty(t, s.Values())
	assert.NoFileExists(t, path)
	// clearing twice is fine
	require.NoError(t, s.Clear())
}

func TestFileStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.txt")
	s, err := OpenFile(path, 10)
	require.NoError(t, err)
	require.NoError(t, s.Append(3.5))
	assert.FileExists(t, path)
}

func TestBadgerStore_EvictsBeyondCapacity(t *testing.T) {
	s, err := OpenBadger(BadgerOptions{InMemory: true, Capacity: 3})
	require.NoError(t, err)
	defer s.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(float64(i)))
	}
	assert.Equal(t, []float64{3, 4, 5}, s.Values())

	require.NoError(t, s.Clear())
	assert.Empty(t, s.Values())
	require.NoError(t, s.Append(6))
	assert.Equal(t, []float64{6}, s.Values())
}

func TestBadgerStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(BadgerOptions{Dir: dir, Capacity: 10})
	require.NoError(t, err)
	for _, v := range []float64{500.5, 499.75, 498} {
		require.NoError(t, s.Append(v))
	}
	require.NoError(t, s.Close())

	// a smaller capacity on reopen trims the oldest entries
	reopened, err := OpenBadger(BadgerOptions{Dir: dir, Capacity: 2})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []float64{499.75, 498}, reopened.Values())

	require.NoError(t, reopened.Append(497))
	assert.Equal(t, []float64{498, 497}, reopened.Values())
}
