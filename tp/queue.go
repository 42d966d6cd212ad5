package tp

import (
	"context"
	"sync"
	"time"
)

// SafeQueue is a thread-safe FIFO. Consumers block in Wait instead of
// sleep-polling; Push wakes them through a one-slot signal channel.
type SafeQueue[T any] struct {
	items  []T
	mu     sync.Mutex
	signal chan struct{}
}

func NewSafeQueue[T any]() *SafeQueue[T] {
	return &SafeQueue[T]{
		items:  make([]T, 0),
		signal: make(chan struct{}, 1),
	}
}

func (q *SafeQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *SafeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Wait pops the next item, blocking up to timeout. ok is false on timeout;
// err is set only when ctx ends first.
func (q *SafeQueue[T]) Wait(ctx context.Context, timeout time.Duration) (item T, ok bool, err error) {
	if item, ok = q.Pop(); ok {
		return item, true, nil
	}
	if timeout <= 0 {
		return item, false, nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return item, false, ctx.Err()
		case <-deadline.C:
			item, ok = q.Pop()
			return item, ok, nil
		case <-q.signal:
			if item, ok = q.Pop(); ok {
				return item, true, nil
			}
		}
	}
}

func (q *SafeQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *SafeQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 0)
}
