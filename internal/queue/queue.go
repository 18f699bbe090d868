// Package queue provides the FIFO task queues that serialize engine calls,
// per-service rollout steps and supervisor reloads. Each queue runs submitted
// tasks one at a time in submission order; mutual exclusion inside a queue
// replaces locking around the state the tasks mutate.
package queue

import (
	"context"
	"sync"

	"kiruna/internal/logger"
)

// task is one unit of queued work.
type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Serial executes submitted tasks one at a time in submission order. Tasks
// never overlap and never reorder across submitters.
type Serial struct {
	name     string
	tasks    chan *task
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSerial creates a serial queue and starts its worker.
func NewSerial(name string) *Serial {
	q := &Serial{
		name:   name,
		tasks:  make(chan *task, 64),
		stopCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Do submits fn and waits for it to finish. Returns the task's error, or the
// context error if the context is cancelled before the task starts.
func (q *Serial) Do(ctx context.Context, fn func(context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case q.tasks <- t:
	case <-q.stopCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits fn without waiting for it. The task's error, if any, is
// logged under the queue name.
func (q *Serial) Enqueue(fn func(context.Context) error) {
	t := &task{ctx: context.Background(), fn: fn, done: nil}

	select {
	case q.tasks <- t:
	case <-q.stopCh:
	}
}

// Close stops the worker. Queued tasks that have not started are dropped.
func (q *Serial) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
}

func (q *Serial) run() {
	for {
		select {
		case <-q.stopCh:
			return
		case t := <-q.tasks:
			q.exec(t)
		}
	}
}

func (q *Serial) exec(t *task) {
	// A task whose context died while queued is skipped, not run.
	if err := t.ctx.Err(); err != nil {
		if t.done != nil {
			t.done <- err
		}
		return
	}

	err := t.fn(t.ctx)
	if t.done != nil {
		t.done <- err
		return
	}
	if err != nil {
		logger.WithFields(logger.Fields{
			"queue": q.name,
		}).WithError(err).Error("Queued task failed")
	}
}
