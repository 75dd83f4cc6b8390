package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/c360/echomux/errors"
)

// Queue is a thread-safe bounded FIFO used to hand frames from a transport
// delivery goroutine to the consumer that drains them. When full, new items
// are dropped (the transport below is unreliable anyway; the drop counter
// makes the loss observable).
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	// Statistics (atomic)
	pushed  atomic.Int64
	drained atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a bounded queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item. A full queue drops the new item and returns
// ErrQueueFull; a closed queue returns ErrClosed.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrClosed
	}
	if q.size == q.capacity {
		q.dropped.Add(1)
		return errors.ErrQueueFull
	}

	q.items[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.size++
	q.pushed.Add(1)
	return nil
}

// Drain removes and returns up to max items in FIFO order. Returns nil when
// the queue is empty.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > q.size {
		n = q.size
	}

	out := make([]T, 0, n)
	var zero T
	for i := 0; i < n; i++ {
		out = append(out, q.items[q.tail])
		q.items[q.tail] = zero
		q.tail = (q.tail + 1) % q.capacity
		q.size--
	}
	q.drained.Add(int64(n))
	return out
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Dropped returns the number of items lost to overflow since creation.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Close rejects further pushes. Queued items remain drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
