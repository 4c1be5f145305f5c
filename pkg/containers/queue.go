package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue abstracts a generics FIFO queue, which is thread-safe
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
}

// SliceQueue is a FIFO queue with an unbounded buffer. The channel C signals
// that at least one element may be available, so a consumer can select on it.
type SliceQueue[T any] struct {
	C chan struct{}

	mu sync.Mutex
	dq deque.Deque
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		C:  make(chan struct{}, 1),
		dq: deque.NewDeque(),
	}
}

// Add pushes an element to the tail of the queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.dq.Enqueue(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the element at the head of the queue, if any.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.dq.Empty() {
		return zero, false
	}
	elem := q.dq.Dequeue().(T)
	if !q.dq.Empty() {
		select {
		case q.C <- struct{}{}:
		default:
		}
	}
	return elem, true
}

// Peek returns the element at the head without removing it.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.dq.Empty() {
		return zero, false
	}
	return q.dq.Front().(T), true
}

// Size returns the number of buffered elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}
