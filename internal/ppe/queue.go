// internal/ppe/queue.go
package ppe

import (
	"context"
	"errors"
	"sync"

	"github.com/sua-org/gate-vision/internal/core"
)

var ErrQueueClosed = errors.New("secondary task queue closed")

// Queue is a bounded FIFO shared by all camera tracking loops. Push
// never blocks: on overflow the oldest task is discarded so detection
// latency never backs up into frame capture.
type Queue struct {
	mu       sync.Mutex
	items    []core.SecondaryTask
	capacity int
	dropped  uint64
	closed   bool
	notify   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues a task, evicting the oldest one when full. Returns
// false when a task was evicted or the queue is closed.
func (q *Queue) Push(task core.SecondaryTask) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return !evicted
}

// Pop blocks for the next task.
func (q *Queue) Pop(ctx context.Context) (core.SecondaryTask, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return core.SecondaryTask{}, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return core.SecondaryTask{}, ctx.Err()
		}
	}
}

// Close wakes any blocked consumer. Remaining tasks stay poppable
// until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts tasks evicted by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
