package session

import (
	"sync"
	"time"
)

// Purpose classifies an outbound message for logging and drain decisions.
type Purpose string

const (
	PurposeGreeting      Purpose = "greeting"
	PurposeClarification Purpose = "clarification"
	PurposeContext       Purpose = "context"
	PurposeConfirmation  Purpose = "confirmation"
	PurposeStatus        Purpose = "status"
	PurposeFarewell      Purpose = "farewell"
)

// Message is one outbound text bound for a leg's synthesis path.
type Message struct {
	Text    string
	Role    Role
	Purpose Purpose
}

// Queue is an ordered, unbounded queue of outbound messages. It is safe for
// concurrent use; one send loop consumes while the state machine produces.
type Queue struct {
	mu    sync.Mutex
	items []Message
	wake  chan struct{}
}

// NewQueue returns an empty ready-to-use queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends msg and wakes a waiting consumer.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the head without blocking.
func (q *Queue) TryDequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Dequeue removes and returns the head, waiting up to timeout for a message
// to arrive. The bounded wait keeps the send loop's termination polling
// responsive.
func (q *Queue) Dequeue(timeout time.Duration) (Message, bool) {
	if msg, ok := q.TryDequeue(); ok {
		return msg, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.wake:
			if msg, ok := q.TryDequeue(); ok {
				return msg, true
			}
		case <-timer.C:
			return q.TryDequeue()
		}
	}
}

// DrainPurpose removes and returns the first queued message with the given
// purpose, discarding everything queued before it. Used for the one-shot
// farewell drain during termination.
func (q *Queue) DrainPurpose(p Purpose) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.items {
		if msg.Purpose == p {
			q.items = q.items[i+1:]
			return msg, true
		}
	}
	q.items = nil
	return Message{}, false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
