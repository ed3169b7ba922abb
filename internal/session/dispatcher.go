package session

import (
	"context"
	"sync"
)

// Dispatcher decides where session callbacks run. Steps handed to one
// Dispatcher must execute in the order they were dispatched.
type Dispatcher interface {
	Dispatch(step func())
}

// Inline runs every step on the goroutine that dispatches it.
type Inline struct{}

func (Inline) Dispatch(step func()) { step() }

// Queue collects steps for a single consumer goroutine, the way a UI event
// loop would. Dispatch never blocks.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	notify  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Dispatch(step func()) {
	q.mu.Lock()
	q.pending = append(q.pending, step)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain runs queued steps on the caller until the queue is empty and
// reports how many ran. Steps dispatched while draining are run too.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		step := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		step()
		n++
	}
}

// Run drains the queue whenever steps arrive until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
