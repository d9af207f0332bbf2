// Package serial talks to a multi-channel load-cell ADC bridge over a serial
// line. The bridge answers "R<ch>\r" with "<ch>=<count>" and "V\r" with
// "Version a.b.c".
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	goserial "github.com/tarm/serial"

	"github.com/CK6170/Spoolscale-go/scale"
)

var ErrProtocol = errors.New("serial: unexpected response")

// PortConfig mirrors the fields of the bridge section in the app config.
type PortConfig struct {
	Name    string
	Baud    int
	Timeout time.Duration
}

// Bridge serializes request/response exchanges on one port.
type Bridge struct {
	port    io.ReadWriteCloser
	timeout time.Duration

	mu      sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func Open(cfg PortConfig) (*Bridge, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	port, err := goserial.OpenPort(&goserial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	return NewBridge(port, cfg.Timeout), nil
}

// NewBridge wraps an already open port.
func NewBridge(port io.ReadWriteCloser, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &Bridge{port: port, timeout: timeout}
}

// exchange writes cmd and returns the first complete response line.
func (b *Bridge) exchange(ctx context.Context, cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = b.pending[:0]
	if _, err := b.port.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("write %q: %w", strings.TrimSpace(cmd), err)
	}
	deadline := time.Now().Add(b.timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexAny(b.pending, "\r\n"); i >= 0 {
			line := strings.TrimSpace(string(b.pending[:i]))
			b.pending = append(b.pending[:0], b.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%q: timeout after %v", strings.TrimSpace(cmd), b.timeout)
		}
		n, err := b.port.Read(buf)
		b.pending = append(b.pending, buf[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Version returns the firmware version reported by the bridge.
func (b *Bridge) Version(ctx context.Context) (major, minor, patch int, err error) {
	resp, err := b.exchange(ctx, "V\r")
	if err != nil {
		return 0, 0, 0, fmt.Errorf("version: %w", err)
	}
	return parseVersion(resp)
}

func parseVersion(resp string) (major, minor, patch int, err error) {
	i := strings.Index(resp, "Version ")
	if i < 0 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrProtocol, resp)
	}
	parts := strings.Split(strings.TrimSpace(resp[i+len("Version "):]), ".")
	if len(parts) < 3 {
		return 0, 0, 0, fmt.Errorf("%w: invalid version %q", ErrProtocol, resp)
	}
	nums := make([]int, 3)
	for j := range nums {
		if nums[j], err = strconv.Atoi(parts[j]); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: invalid version %q", ErrProtocol, resp)
		}
	}
	return nums[0], nums[1], nums[2], nil
}

// ReadChannel returns one conversion of channel ch.
func (b *Bridge) ReadChannel(ctx context.Context, ch int) (float64, error) {
	resp, err := b.exchange(ctx, fmt.Sprintf("R%d\r", ch))
	if err != nil {
		return 0, err
	}
	return parseReading(resp, ch)
}

func parseReading(line string, ch int) (float64, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrProtocol, line)
	}
	got, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || got != ch {
		return 0, fmt.Errorf("%w: asked channel %d, got %q", ErrProtocol, ch, line)
	}
	count, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad count in %q", ErrProtocol, line)
	}
	return count, nil
}

func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.port.Close() })
	return b.closeErr
}

// Channel is one load cell behind the bridge.
type Channel struct {
	bridge *Bridge
	ch     int
}

var _ scale.Sensor = (*Channel)(nil)

func (c *Channel) ReadRaw(ctx context.Context) (float64, error) {
	return c.bridge.ReadChannel(ctx, c.ch)
}

// Close releases the shared port; closing further channels is a no-op.
func (c *Channel) Close() error { return c.bridge.Close() }

// Sensors returns one sensor per channel, all sharing the bridge.
func (b *Bridge) Sensors(channels ...int) []scale.Sensor {
	out := make([]scale.Sensor, len(channels))
	for i, ch := range channels {
		out[i] = &Channel{bridge: b, ch: ch}
	}
	return out
}
