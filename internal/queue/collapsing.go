package queue

import (
	"context"
	"sync"

	"kiruna/internal/logger"
)

// Collapsing is a serial queue that holds at most one pending task. Replacing
// the pending task drops the older one; a task already running completes.
// The supervisor uses this to collapse bursts of configuration changes.
type Collapsing struct {
	name     string
	mu       sync.Mutex
	pending  func(context.Context) error
	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollapsing creates a collapsing queue and starts its worker.
func NewCollapsing(name string) *Collapsing {
	q := &Collapsing{
		name:   name,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Replace installs fn as the pending task, discarding any task that was
// queued but not yet started.
func (q *Collapsing) Replace(fn func(context.Context) error) {
	q.mu.Lock()
	if q.pending != nil {
		logger.WithField("queue", q.name).Debug("Dropping superseded pending task")
	}
	q.pending = fn
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Close stops the worker; a pending task is dropped.
func (q *Collapsing) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
}

func (q *Collapsing) run() {
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.kick:
		}

		for {
			q.mu.Lock()
			fn := q.pending
			q.pending = nil
			q.mu.Unlock()

			if fn == nil {
				break
			}
			if err := fn(context.Background()); err != nil {
				logger.WithFields(logger.Fields{
					"queue": q.name,
				}).WithError(err).Error("Queued task failed")
			}
		}
	}
}
