// Package memory provides the bounded in-process work unit queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = parcel.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan parcel.UnitItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan parcel.UnitItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a unit into the queue, blocking while it is full.
func (q *Queue) Enqueue(ctx context.Context, item parcel.UnitItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
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

// Dequeue pops the next unit, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (parcel.UnitItem, error) {
	select {
	case <-ctx.Done():
		return parcel.UnitItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return parcel.UnitItem{}, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len reports the number of buffered units.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue; buffered units are abandoned.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
