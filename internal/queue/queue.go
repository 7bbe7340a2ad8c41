// Package queue provides the bounded ring buffer that decouples pipeline
// goroutines from network goroutines.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds each wait inside Get.
const DefaultPollInterval = 50 * time.Millisecond

// Queue is a fixed-capacity FIFO ring with one producer and one consumer.
//
// Put must only be called from a single goroutine. While the ring has room it
// publishes the new tail with an atomic store and takes no lock. TryGet and
// Get take the lock to advance head and wake a producer waiting for room.
type Queue[T any] struct {
	slots []T
	head  atomic.Uint64
	tail  atomic.Uint64

	mu      sync.Mutex
	notFull *sync.Cond
	closed  atomic.Bool

	onEvict func(T)
	dropped atomic.Uint64
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithEvict registers a hook that receives items dropped by overwrite.
func WithEvict[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onEvict = fn }
}

// New returns a queue that holds up to capacity items.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{slots: make([]T, capacity+1)}
	q.notFull = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue[T]) next(i uint64) uint64 {
	return (i + 1) % uint64(len(q.slots))
}

func (q *Queue[T]) full(tail uint64) bool {
	return q.next(tail) == q.head.Load()
}

// Put appends item. When the queue is full and overwrite is set the oldest
// item is evicted; otherwise Put waits for room. It returns false only if
// the queue is closed.
func (q *Queue[T]) Put(item T, overwrite bool) bool {
	if q.closed.Load() {
		return false
	}

	tail := q.tail.Load()
	if !q.full(tail) {
		q.slots[tail] = item
		q.tail.Store(q.next(tail))
		return true
	}

	q.mu.Lock()
	var (
		evicted    T
		hasEvicted bool
	)
	for q.full(tail) && !q.closed.Load() {
		if overwrite {
			head := q.head.Load()
			evicted, hasEvicted = q.slots[head], true
			var zero T
			q.slots[head] = zero
			q.head.Store(q.next(head))
			q.dropped.Add(1)
			break
		}
		q.notFull.Wait()
	}
	if q.closed.Load() {
		q.mu.Unlock()
		return false
	}
	q.slots[tail] = item
	q.tail.Store(q.next(tail))
	q.mu.Unlock()

	if hasEvicted && q.onEvict != nil {
		q.onEvict(evicted)
	}
	return true
}

// TryGet removes and returns the oldest item without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	item := q.slots[head]
	q.slots[head] = zero
	q.head.Store(q.next(head))
	q.notFull.Broadcast()
	return item, true
}

// Get waits until an item is available, polling every interval. It returns
// ErrClosed once the queue is closed and drained, or ctx.Err().
func (q *Queue[T]) Get(ctx context.Context, interval time.Duration) (T, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if item, ok := q.TryGet(); ok {
			return item, nil
		}
		var zero T
		if q.closed.Load() {
			// An item may have landed between TryGet and the closed check.
			if item, ok := q.TryGet(); ok {
				return item, nil
			}
			return zero, ErrClosed
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Close wakes every waiter. Pending items remain readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed.Store(true)
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	n := uint64(len(q.slots))
	return int((q.tail.Load() + n - q.head.Load()) % n)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.slots) - 1
}

// Dropped returns how many items overwrite has evicted.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
