package session

import "sync"

// Latch is a set-once termination signal. Once set it is never cleared.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Set latches the signal. Safe to call any number of times.
func (l *Latch) Set() {
	l.once.Do(func() { close(l.done) })
}

// IsSet reports whether the latch has been set.
func (l *Latch) IsSet() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the latch is set.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}
