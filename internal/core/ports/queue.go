package ports

import "dev.forensix.extract-engine/internal/core/domain"

// WorkQueue transports queue items between the collector, the
// supervisor and the workers. Implementations provide their own
// internal synchronization; no external lock is required.
//
// Push and Pop report flow-control conditions with the sentinel errors
// in the domain package: domain.ErrQueueFull, domain.ErrQueueEmpty,
// domain.ErrQueueClosed and domain.ErrNotSupported.
type WorkQueue interface {
	// Push enqueues an item. With block set it waits up to the
	// backend's send timeout, otherwise it fails immediately on a full
	// queue.
	Push(item domain.QueueItem, block bool) error

	// Pop dequeues an item, waiting up to the backend's receive
	// timeout.
	Pop() (domain.QueueItem, error)

	// Close shuts the queue down. A second non-abort Close returns
	// domain.ErrQueueAlreadyClosed; closing with abort is always
	// tolerated and discards queued items.
	Close(abort bool) error

	// IsEmpty reports whether the queue currently holds no items.
	IsEmpty() bool
}
