// Package channel provides channel implementations used by the event
// hub. The unbounded queue decouples producers from slow consumers:
// sends never block, backpressure becomes memory growth.
package channel

import (
	"sync"
)

// Unbounded is an unbounded FIFO queue with a channel-based consumer
// side. Push never blocks; a pump goroutine forwards buffered items to
// the Out channel in order. Closing drains what was pushed before the
// close and then closes Out.
type Unbounded[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool

	out       chan T
	abandoned chan struct{}

	pushed  int64
	dropped int64
}

// NewUnbounded creates an unbounded queue and starts its pump.
func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		out:       make(chan T),
		abandoned: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push enqueues a value without blocking. Returns false if the queue
// is closed; the value is dropped in that case.
func (q *Unbounded[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped++
		return false
	}
	q.items = append(q.items, v)
	q.pushed++
	q.cond.Signal()
	return true
}

// Out returns the delivery channel. It is closed after Close once the
// buffer has drained.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of buffered, undelivered items.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed. Items pushed before the close are
// still delivered; the Out channel closes once the buffer is empty.
// Idempotent.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

// Discard closes the queue and throws away any undelivered items,
// unblocking the pump even when nobody reads Out. Idempotent.
func (q *Unbounded[T]) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
	}
	select {
	case <-q.abandoned:
	default:
		close(q.abandoned)
	}
	q.dropped += int64(len(q.items))
	q.items = nil
	q.cond.Signal()
}

func (q *Unbounded[T]) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.abandoned:
			close(q.out)
			return
		}
	}
}
