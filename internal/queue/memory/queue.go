// Package memory provides a bounded in-process FIFO.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}

	// closeMu is held shared by senders and exclusively by Close, so no
	// send lands after Close returns.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full. It returns when
// the context ends or the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-q.done:
		return zero, ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return zero, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Drain removes and returns every buffered item without blocking.
func (q *Queue[T]) Drain() []T {
	var items []T
	for {
		select {
		case item := <-q.ch:
			items = append(items, item)
		default:
			return items
		}
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered items stay available to Drain. Close
// returns once every concurrent Enqueue has either buffered its item or
// failed.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.closeMu.Lock()
		q.closed = true
		q.closeMu.Unlock()
	})
}
