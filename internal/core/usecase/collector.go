// Package usecase holds the engine's orchestration core: the
// supervisor that owns workers and the aggregate status, and the
// collector that discovers work.
package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// pushRetryWait paces re-pushes while the queue is full.
const pushRetryWait = 100 * time.Millisecond

// Collector discovers units of work on its own goroutine, parallel to
// the supervisor's polling loop. Every discovered source is wrapped in
// a task, announced to the supervisor through taskCh, then pushed onto
// the work queue.
type Collector struct {
	queue           ports.WorkQueue
	storage         ports.EventStorage
	session         string
	storageLocation string
	taskCh          chan<- domain.Task
	logger          ports.Logger

	active atomic.Bool
	done   chan struct{}
}

// NewCollector creates a collector feeding the given queue. taskCh is
// the back channel through which the supervisor learns about new
// pending tasks; the supervisor is its only consumer, keeping all
// pending-set mutation on the supervisor goroutine.
func NewCollector(q ports.WorkQueue, storage ports.EventStorage, session, storageLocation string,
	taskCh chan<- domain.Task, logger ports.Logger) *Collector {
	return &Collector{
		queue:           q,
		storage:         storage,
		session:         session,
		storageLocation: storageLocation,
		taskCh:          taskCh,
		logger:          logger.With("component", "collector"),
		done:            make(chan struct{}),
	}
}

// Run discovers sources until the sequence is exhausted or the context
// is canceled. A failure to read sources is non-fatal and simply
// yields fewer tasks.
func (c *Collector) Run(ctx context.Context) {
	c.active.Store(true)
	defer func() {
		c.active.Store(false)
		close(c.done)
	}()

	sources, err := c.storage.GetEventSources(ctx)
	if err != nil {
		c.logger.Warn("failed to read event sources", "error", err)
		return
	}

	count := 0
	for pathSpec := range sources {
		task := domain.NewTask(c.session, pathSpec, c.storageLocation)

		select {
		case c.taskCh <- task:
		case <-ctx.Done():
			return
		}

		if !c.push(ctx, task) {
			return
		}
		count++
	}
	c.logger.Info("collection finished", "tasks", count)
}

// push enqueues one task, retrying while the queue reports full. It
// reports false when the queue closed or the context ended.
func (c *Collector) push(ctx context.Context, task domain.Task) bool {
	for {
		err := c.queue.Push(domain.TaskItem(task), true)
		switch {
		case err == nil:
			return true
		case errors.Is(err, domain.ErrQueueFull):
			select {
			case <-ctx.Done():
				return false
			case <-time.After(pushRetryWait):
			}
		case errors.Is(err, domain.ErrQueueClosed):
			return false
		default:
			c.logger.Warn("failed to push task", "task", task.Identifier, "error", err)
			return false
		}
	}
}

// Active reports whether collection is still in progress.
func (c *Collector) Active() bool {
	return c.active.Load()
}

// Done is closed when the collector goroutine has finished.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}
