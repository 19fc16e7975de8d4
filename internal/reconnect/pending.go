package reconnect

import "sync"

// PendingQueue is a FIFO of writes waiting for the downstream connection.
// Any goroutine may push; Drain admits one consumer at a time.
type PendingQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	drainMu sync.Mutex // held for the whole of a Drain
}

func NewPendingQueue[T any]() *PendingQueue[T] {
	return &PendingQueue[T]{}
}

func (q *PendingQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *PendingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PendingQueue[T]) peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

func (q *PendingQueue[T]) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil // let the backing array go
	}
}

// Drain hands the head to write and removes it only once write succeeds.
// It stops at the first failure, leaving that item and everything behind it
// queued, and returns how many items were delivered.
func (q *PendingQueue[T]) Drain(write func(T) error) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	delivered := 0
	for {
		item, ok := q.peek()
		if !ok {
			return delivered, nil
		}
		if err := write(item); err != nil {
			return delivered, err
		}
		q.pop()
		delivered++
	}
}
