package scale

import "sync"

// Mailbox is a single-slot channel where the latest push wins. Push never
// blocks and never queues: an unread value is dropped in favor of the new one.
type Mailbox[T any] struct {
	mu sync.Mutex
	ch chan T
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, 1)}
}

// Push drains any unconsumed value and stores v.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ch:
	default:
	}
	m.ch <- v
}

// TryTake returns the pending value, if any, without blocking.
func (m *Mailbox[T]) TryTake() (T, bool) {
	select {
	case v := <-m.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}
