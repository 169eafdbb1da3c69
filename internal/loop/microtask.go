// Package loop models the "next tick" deferrals spec.md §5 and §9 call for:
// a single-producer-per-connection microtask queue that stands in for the
// host JavaScript event loop's process.nextTick/setImmediate. The two
// concrete uses are OpenRequest transmission and the asynchronous "channel
// id already open" failure path — both need the channel handle to reach the
// caller before any event fires on it.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package loop

import (
	"sync"

	"github.com/eapache/queue"
)

// Task is a deferred unit of work.
type Task func()

// Queue is a FIFO of deferred tasks drained by a single owner goroutine,
// started by New. It is safe to call Defer from any goroutine.
type Queue struct {
	mu    sync.Mutex
	tasks *queue.Queue
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a running Queue. Call Close to stop its drain goroutine.
func New() *Queue {
	q := &Queue{
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Defer enqueues task to run on the queue's own goroutine, preserving FIFO
// order relative to every other Defer call on this Queue.
func (q *Queue) Defer(task Task) {
	q.mu.Lock()
	q.tasks.Add(task)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			select {
			case <-q.done:
				return
			default:
			}
			q.mu.Lock()
			if q.tasks.Length() == 0 {
				q.mu.Unlock()
				break
			}
			t := q.tasks.Remove().(Task)
			q.mu.Unlock()
			t()
		}
	}
}

// Close stops the drain goroutine. Pending tasks are dropped. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
