// Package dispatch holds the engine's in-memory delivery machinery: a bounded
// FIFO queue per vendor route and the tracker that owns every in-flight
// delivery record. The tracker is the only component that resolves receipts
// for transmitted notifications, which is what makes the exactly-once outcome
// guarantee enforceable.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("dispatch: queue closed")

// Item is one notification travelling through a queue. Frame holds the bytes
// encoded at enqueue time; retries re-encode with a fresh wire identifier, so
// transmit paths treat Frame as the first-attempt encoding only. Attempts
// counts transmits, incremented by the sender just before each write.
type Item struct {
	Notification *push.Notification
	Frame        *wire.Frame
	Receipt      *push.Receipt
	Attempts     int
}

// Queue is a bounded FIFO for one vendor route. Enqueue and Remove are safe
// from any goroutine; Next must only be called from the route's single sender
// goroutine, because the wake signal carries one pending wakeup at most.
type Queue struct {
	depth  int
	signal chan struct{}

	mu     sync.Mutex
	items  []*Item
	closed bool
}

func NewQueue(depth int) *Queue {
	return &Queue{
		depth:  depth,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends item, returning push.ErrQueueFull at depth and ErrClosed
// after Close.
func (q *Queue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.depth {
		return push.ErrQueueFull
	}
	q.items = append(q.items, item)
	q.wake()
	return nil
}

// Requeue pushes item to the front so a retry goes out before newer work.
// Retries bypass the depth bound: the item already holds a delivery promise,
// so dropping it here would break that promise.
func (q *Queue) Requeue(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append([]*Item{item}, q.items...)
	q.wake()
}

// Next blocks until an item is available, the context ends, or the queue is
// closed and drained.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Remove takes the queued notification with the given id out of the queue,
// returning it so the caller can resolve its receipt. It returns nil when the
// notification is not queued, which includes already in flight.
func (q *Queue) Remove(id uuid.UUID) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.Notification.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item
		}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops new enqueues and returns everything still queued so the caller
// can fail the receipts.
func (q *Queue) Close() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	drained := q.items
	q.items = nil
	q.wake()
	return drained
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
