package agentprovider

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop after Close when no items remain.
var ErrQueueClosed = errors.New("message queue closed")

// MessageQueue is an unbounded single-consumer, multi-producer FIFO.
// Push never blocks; Pop blocks the consumer (the running agent loop) until
// an item arrives, the queue closes, or the context is cancelled. Delivery
// order matches Push call order.
type MessageQueue struct {
	mu     sync.Mutex
	items  []string
	wake   chan struct{}
	closed bool
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{wake: make(chan struct{}, 1)}
}

// Push appends text to the queue. It is a no-op after Close.
func (q *MessageQueue) Push(text string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, text)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item, blocking until one is available.
// Returns ErrQueueClosed once the queue is closed and drained, or ctx.Err()
// if the context is cancelled while waiting.
func (q *MessageQueue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		}
	}
}

// TryPop removes and returns the oldest item without blocking.
func (q *MessageQueue) TryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes a blocked consumer. Queued items
// remain poppable; Pop reports ErrQueueClosed only after draining.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
