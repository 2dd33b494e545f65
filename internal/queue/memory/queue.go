// Package memory provides the in-process job queue used by a single run.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/minorsearch/crawler/internal/crawl"
)

// Queue is an unbounded FIFO safe for many concurrent producers and
// consumers. Enqueue never blocks on a live queue; Dequeue blocks until a
// job arrives, the context ends, or the queue is closed and empty.
type Queue struct {
	mu     sync.Mutex
	items  []crawl.Job
	wake   chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Enqueue appends a job to the tail and wakes blocked consumers.
func (q *Queue) Enqueue(ctx context.Context, job crawl.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawl.ErrQueueClosed
	}
	q.items = append(q.items, job)
	q.broadcastLocked()
	return nil
}

// Dequeue removes and returns the head job, blocking while the queue is
// empty. Once the queue is closed and drained it returns ErrQueueDrained.
func (q *Queue) Dequeue(ctx context.Context) (crawl.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawl.Job{}, crawl.ErrQueueDrained
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawl.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Size reports the current pending depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting jobs. Blocked consumers drain the remaining items
// and then receive ErrQueueDrained. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// broadcastLocked wakes every waiter by closing the current wake channel and
// installing a fresh one. Waiters re-check queue state after waking, so a
// spurious wakeup is harmless.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
