package serial

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/Spoolscale-go/scale"
)

// fakePort answers bridge commands from a channel table, one byte at a time
// to exercise line reassembly.
type fakePort struct {
	mu     sync.Mutex
	counts map[int]int
	out    bytes.Buffer
	silent bool
	closed int
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silent {
		return len(b), nil
	}
	cmd := strings.TrimSpace(string(b))
	switch {
	case cmd == "V":
		p.out.WriteString("\r\nVersion 2.1.7\r\n")
	case strings.HasPrefix(cmd, "R"):
		var ch int
		fmt.Sscanf(cmd, "R%d", &ch)
		fmt.Fprintf(&p.out, "%d=%d\r\n", ch, p.counts[ch])
	default:
		p.out.WriteString("ERR\r\n")
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 || len(b) == 0 {
		return 0, nil
	}
	c, _ := p.out.ReadByte()
	b[0] = c
	return 1, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func TestBridge_ReadChannel(t *testing.T) {
	port := &fakePort{counts: map[int]int{0: 8123, 1: -42, 2: 77}}
	b := NewBridge(port, time.Second)

	v, err := b.ReadChannel(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 8123.0, v)

	v, err = b.ReadChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, -42.0, v)
}

func TestBridge_Version(t *testing.T) {
	b := NewBridge(&fakePort{}, time.Second)
	major, minor, patch, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 7}, []int{major, minor, patch})
}

func TestBridge_Timeout(t *testing.T) {
	b := NewBridge(&fakePort{silent: true}, 20*time.Millisecond)
	_, err := b.ReadChannel(context.Background(), 0)
	assert.ErrorContains(t, err, "timeout")
}

func TestBridge_SensorsSumThroughArray(t *testing.T) {
	port := &fakePort{counts: map[int]int{0: 100, 1: 200, 2: 300, 3: 400}}
	b := NewBridge(port, time.Second)
	arr, err := scale.NewSensorArray(b.Sensors(0, 1, 2, 3)...)
	require.NoError(t, err)

	v, err := arr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	require.NoError(t, arr.Close())
	assert.Equal(t, 1, port.closed)
}

func TestParseReading(t *testing.T) {
	v, err := parseReading("3= 1024", 3)
	require.NoError(t, err)
	assert.Equal(t, 1024.0, v)

	_, err = parseReading("2=1024", 3)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = parseReading("ERR", 3)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = parseReading("3=x", 3)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseVersion(t *testing.T) {
	_, _, _, err := parseVersion("Version 1.2")
	assert.ErrorIs(t, err, ErrProtocol)
	major, _, _, err := parseVersion("bridge Version 3.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3, major)
}
