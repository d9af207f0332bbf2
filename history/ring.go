// Package history keeps the bounded series of accepted weight medians that
// the trend filter and the plot are computed from.
package history

import "sync"

// Ring is a thread-safe fixed-capacity FIFO. Adding to a full ring drops the
// oldest value.
type Ring struct {
	buf   []float64
	head  int
	count int
	mu    sync.RWMutex
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(v)
}

func (r *Ring) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Load replaces the contents with values, keeping only the newest Cap().
func (r *Ring) Load(values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.count = 0, 0
	if len(values) > len(r.buf) {
		values = values[len(values)-len(r.buf):]
	}
	for _, v := range values {
		r.add(v)
	}
}

// Values returns a copy, oldest first.
func (r *Ring) Values() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.count = 0, 0
	r.mu.Unlock()
}
