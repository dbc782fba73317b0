// Package queue provides a small generic FIFO used to hand work between the
// message-store/dispatch worker threads and a single-threaded consumer (the
// connection's I/O thread), grounded on the queue.Holder usage pattern in
// github.com/Azure/go-amqp's link.go (l.rxQ.Wait()/Dequeue()/Release()).
package queue

import "sync"

// Queue is an unbounded FIFO of T.
type Queue[T any] struct {
	items []T
}

func New[T any](capacityHint int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, capacityHint)}
}

func (q *Queue[T]) Enqueue(v T) {
	q.items = append(q.items, v)
}

func (q *Queue[T]) Dequeue() *T {
	if len(q.items) == 0 {
		return nil
	}
	v := q.items[0]
	q.items = q.items[1:]
	return &v
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Holder serialises access to a Queue across goroutines and signals a
// waiting consumer exactly once per non-empty transition: the first
// Enqueue onto an empty queue schedules a wakeup, subsequent Enqueues just
// append.
type Holder[T any] struct {
	mu      sync.Mutex
	q       *Queue[T]
	signal  chan struct{}
	pending bool
}

func NewHolder[T any](q *Queue[T]) *Holder[T] {
	return &Holder[T]{q: q, signal: make(chan struct{}, 1)}
}

// Enqueue adds v to the queue and wakes a waiter if this is the transition
// from empty to non-empty.
func (h *Holder[T]) Enqueue(v T) {
	h.mu.Lock()
	h.q.Enqueue(v)
	wake := !h.pending
	h.pending = true
	h.mu.Unlock()
	if wake {
		select {
		case h.signal <- struct{}{}:
		default:
		}
	}
}

// Wait returns a channel that becomes ready when the queue has items to
// drain. Call DrainAll after it fires.
func (h *Holder[T]) Wait() <-chan struct{} {
	return h.signal
}

// DrainAll removes and returns every queued item, clearing the pending flag.
func (h *Holder[T]) DrainAll() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, 0, h.q.Len())
	for {
		v := h.q.Dequeue()
		if v == nil {
			break
		}
		out = append(out, *v)
	}
	h.pending = false
	return out
}

// Len reports the number of items currently queued.
func (h *Holder[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Len()
}
