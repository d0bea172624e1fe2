package cdp

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a single consumer. push never blocks;
// pop blocks until an item is available or ctx is done. Once ctx is done pop
// returns nothing, even if items remain.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	active int // items popped but not yet marked done
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		if ctx.Err() != nil {
			return zero, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.active++
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// done marks the most recently popped item as processed.
func (q *queue[T]) done() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

// len returns the number of items waiting to be popped.
func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// idle reports whether the queue is empty and nothing popped is still
// being processed.
func (q *queue[T]) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.active == 0
}

// clear drops every waiting item and returns how many were dropped.
func (q *queue[T]) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
