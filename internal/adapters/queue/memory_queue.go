// Package queue provides the two work-queue backends: a bounded
// in-memory channel shared by in-process workers, and a point-to-point
// loopback TCP backend with asymmetric push/pull roles for OS-process
// workers.
package queue

import (
	"sync"
	"time"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// maxBoundedCapacity is the hard ceiling applied when an unbounded
// queue is requested. It mirrors the platform semaphore limit.
const maxBoundedCapacity = 32766

// defaultWaitTimeout bounds a blocking Push and a Pop on an open
// memory queue; no queue call suspends indefinitely.
const defaultWaitTimeout = 5 * time.Second

// MemoryQueue is the bounded in-memory backend: many writers, many
// readers, no cross-producer FIFO guarantee.
type MemoryQueue struct {
	items       chan domain.QueueItem
	closedCh    chan struct{}
	waitTimeout time.Duration
	logger      ports.Logger

	mu      sync.Mutex
	closed  bool
	aborted bool
}

var _ ports.WorkQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a memory queue with the given capacity.
// Capacity 0 requests an unbounded queue and is capped to the platform
// ceiling with a warning. waitTimeout bounds blocking Push and Pop
// calls; 0 selects the default.
func NewMemoryQueue(capacity int, waitTimeout time.Duration, logger ports.Logger) *MemoryQueue {
	if capacity <= 0 {
		logger.Warn("unbounded queue requested, capping capacity",
			"capacity", maxBoundedCapacity)
		capacity = maxBoundedCapacity
	}
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &MemoryQueue{
		items:       make(chan domain.QueueItem, capacity),
		closedCh:    make(chan struct{}),
		waitTimeout: waitTimeout,
		logger:      logger.With("component", "memory_queue"),
	}
}

// Push enqueues an item. Blocking pushes wait up to the wait timeout
// for space, then fail with ErrQueueFull; non-blocking pushes fail
// fast.
func (q *MemoryQueue) Push(item domain.QueueItem, block bool) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return domain.ErrQueueClosed
	}

	if block {
		timer := time.NewTimer(q.waitTimeout)
		defer timer.Stop()
		select {
		case q.items <- item:
			return nil
		case <-q.closedCh:
			return domain.ErrQueueClosed
		case <-timer.C:
			return domain.ErrQueueFull
		}
	}
	select {
	case q.items <- item:
		return nil
	case <-q.closedCh:
		return domain.ErrQueueClosed
	default:
		return domain.ErrQueueFull
	}
}

// Pop dequeues an item, waiting up to the wait timeout. After a
// non-abort close remaining items are still drained; after an abort
// close Pop fails promptly with ErrQueueClosed.
func (q *MemoryQueue) Pop() (domain.QueueItem, error) {
	q.mu.Lock()
	aborted := q.aborted
	q.mu.Unlock()
	if aborted {
		return domain.QueueItem{}, domain.ErrQueueClosed
	}

	timer := time.NewTimer(q.waitTimeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, nil
	case <-q.closedCh:
		// Closed while waiting: drain leftovers before reporting closed.
		select {
		case item := <-q.items:
			return item, nil
		default:
			return domain.QueueItem{}, domain.ErrQueueClosed
		}
	case <-timer.C:
		return domain.QueueItem{}, domain.ErrQueueEmpty
	}
}

// Close shuts the queue down. A repeated non-abort close returns
// ErrQueueAlreadyClosed; an abort close is always tolerated and
// discards whatever is still queued.
func (q *MemoryQueue) Close(abort bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		if !abort {
			return domain.ErrQueueAlreadyClosed
		}
		q.aborted = true
		q.discardLocked()
		return nil
	}

	q.closed = true
	q.aborted = abort
	close(q.closedCh)
	if abort {
		q.discardLocked()
	}
	return nil
}

// discardLocked drops queued items. Callers hold q.mu.
func (q *MemoryQueue) discardLocked() {
	for {
		select {
		case <-q.items:
		default:
			return
		}
	}
}

// IsEmpty reports whether the queue holds no items.
func (q *MemoryQueue) IsEmpty() bool {
	return len(q.items) == 0
}
