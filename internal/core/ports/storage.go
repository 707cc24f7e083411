package ports

import (
	"context"

	"dev.forensix.extract-engine/internal/core/domain"
)

// TaskSegment is the task-scoped, exclusively-owned storage a worker
// writes extraction results into. A segment becomes eligible for merge
// only after MarkComplete has written its completion marker.
type TaskSegment interface {
	// WriteEvent appends one extracted event to the segment.
	WriteEvent(event domain.Event) error

	// MarkComplete writes the completion marker making the segment
	// visible to the supervisor's merge pass.
	MarkComplete() error

	// Close releases the segment. It is safe to call after
	// MarkComplete.
	Close() error
}

// EventStorage is the storage collaborator. The engine owns no on-disk
// format; it only drives segment creation, merge and source discovery
// through this port.
type EventStorage interface {
	// GetEventSources yields the finite sequence of source descriptors
	// available for extraction. The channel is closed when the sequence
	// is exhausted.
	GetEventSources(ctx context.Context) (<-chan string, error)

	// CreateTaskStorage opens a fresh segment for the task, replacing
	// any partial segment left behind by a previous owner.
	CreateTaskStorage(task domain.Task) (TaskSegment, error)

	// MergeTaskStorage folds a completed segment into the aggregate
	// store. It returns false when the segment is not yet complete;
	// true once the segment has been merged and removed.
	MergeTaskStorage(taskIdentifier string) (bool, error)
}

// Extractor is the extraction collaborator invoked once per task. A
// returned error is a per-task failure: loggable, never fatal to the
// worker.
type Extractor interface {
	// Process decodes the artifact behind pathSpec into zero or more
	// timeline events.
	Process(ctx context.Context, pathSpec string) ([]domain.Event, error)
}
