package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// taskQueue is the explicit hand-off between the request path and external
// systems: callers submit and return immediately, a dedicated worker runs
// the task and owns any retrying. A full queue drops the task with a log
// line rather than blocking a caller.
type taskQueue struct {
	tasks chan task
	log   zerolog.Logger
	wg    sync.WaitGroup
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

func newTaskQueue(size int, log zerolog.Logger) *taskQueue {
	if size <= 0 {
		size = 256
	}
	return &taskQueue{
		tasks: make(chan task, size),
		log:   log.With().Str("component", "queue").Logger(),
	}
}

// Start launches workers that drain the queue until ctx is cancelled.
func (q *taskQueue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.tasks:
					t.fn(ctx)
				}
			}
		}()
	}
}

// Wait blocks until every worker has observed cancellation.
func (q *taskQueue) Wait() {
	q.wg.Wait()
}

// Submit enqueues without blocking; it reports whether the task was
// accepted.
func (q *taskQueue) Submit(name string, fn func(ctx context.Context)) bool {
	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.log.Warn().Str("task", name).Msg("task queue full, dropping")
		return false
	}
}
