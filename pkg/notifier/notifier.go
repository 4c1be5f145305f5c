package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jobdeck/jobdeck/pkg/containers"
	"github.com/jobdeck/jobdeck/pkg/errors"
)

type receiverID = int64

// Notifier is the sending end of a single-producer-multiple-consumer
// notification channel. The registry uses it to fan out submission state
// changes to API subscribers without blocking state transitions.
type Notifier[T any] struct {
	mu        sync.RWMutex
	receivers map[receiverID]*Receiver[T]
	nextID    atomic.Int64

	queue *containers.SliceQueue[T]

	closeCh   chan struct{}
	barrierCh chan struct{}
	closeOnce sync.Once
}

// Receiver is one consuming endpoint. Events arrive on C.
type Receiver[T any] struct {
	C chan T

	id         receiverID
	closed     atomic.Bool
	detachCh   chan struct{}
	detachOnce sync.Once
	closeOnce  sync.Once
	notifier   *Notifier[T]
}

// Close detaches the receiver from its notifier and closes C.
func (r *Receiver[T]) Close() {
	r.closed.Store(true)
	r.detachOnce.Do(func() {
		close(r.detachCh)
	})

	r.notifier.mu.Lock()
	delete(r.notifier.receivers, r.id)
	r.notifier.mu.Unlock()

	// Wait for the dispatch loop to pass a barrier so that no send to C can
	// be in flight when we close it.
	select {
	case <-r.notifier.barrierCh:
	case <-r.notifier.closeCh:
	}
	r.closeOnce.Do(func() {
		close(r.C)
	})
}

// NewNotifier creates a Notifier and starts its dispatch loop.
func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		receivers: make(map[receiverID]*Receiver[T]),
		queue:     containers.NewSliceQueue[T](),
		closeCh:   make(chan struct{}),
		barrierCh: make(chan struct{}),
	}
	go n.run()
	return n
}

// NewReceiver registers a new receiving endpoint.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	r := &Receiver[T]{
		C:        make(chan T, 16),
		id:       n.nextID.Add(1),
		detachCh: make(chan struct{}),
		notifier: n,
	}
	n.mu.Lock()
	n.receivers[r.id] = r
	n.mu.Unlock()
	return r
}

// Notify enqueues one event for delivery to all current receivers.
func (n *Notifier[T]) Notify(event T) {
	n.queue.Add(event)
}

// Flush blocks until all events enqueued so far have been dispatched.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.barrierCh:
		case <-n.closeCh:
			return nil
		}
		if n.queue.Size() == 0 {
			return nil
		}
	}
}

// Close stops the dispatch loop and closes all receivers.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)

		n.mu.Lock()
		receivers := make([]*Receiver[T], 0, len(n.receivers))
		for _, r := range n.receivers {
			receivers = append(receivers, r)
		}
		n.receivers = make(map[receiverID]*Receiver[T])
		n.mu.Unlock()

		for _, r := range receivers {
			r.closed.Store(true)
			r.closeOnce.Do(func() {
				close(r.C)
			})
		}
	})
}

func (n *Notifier[T]) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.closeCh:
			return
		case n.barrierCh <- struct{}{}:
			// synchronization point for Flush and Receiver.Close.
		case <-ticker.C:
			n.drain()
		case <-n.queue.C:
			n.drain()
		}
	}
}

func (n *Notifier[T]) drain() {
	for {
		event, ok := n.queue.Pop()
		if !ok {
			return
		}

		n.mu.RLock()
		receivers := make([]*Receiver[T], 0, len(n.receivers))
		for _, r := range n.receivers {
			receivers = append(receivers, r)
		}
		n.mu.RUnlock()

		for _, r := range receivers {
			if r.closed.Load() {
				continue
			}
			select {
			case <-n.closeCh:
				return
			case <-r.detachCh:
				// receiver detached mid-dispatch, drop the send.
			case r.C <- event:
			}
		}

		select {
		case <-n.closeCh:
			return
		default:
		}
	}
}
