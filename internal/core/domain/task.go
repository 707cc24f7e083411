package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of extraction work wrapping an opaque source
// locator. The queue owns a task from Push until a worker pops it; the
// worker owns it until its storage segment is merged, after which the
// task is retired from the supervisor's pending set.
type Task struct {
	Identifier        string    `json:"identifier"`
	SessionIdentifier string    `json:"session_identifier"`
	PathSpec          string    `json:"path_spec"`
	StorageLocation   string    `json:"storage_location"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewTask creates a task with a freshly generated identifier.
func NewTask(sessionIdentifier, pathSpec, storageLocation string) Task {
	return Task{
		Identifier:        uuid.New().String(),
		SessionIdentifier: sessionIdentifier,
		PathSpec:          pathSpec,
		StorageLocation:   storageLocation,
		CreatedAt:         time.Now().UTC(),
	}
}

// ItemKind tags the payload carried by a queue item.
type ItemKind string

const (
	// ItemTask carries a task to process.
	ItemTask ItemKind = "task"
	// ItemAbort is the sentinel that tells a worker to exit immediately.
	ItemAbort ItemKind = "abort"
)

// QueueItem is the envelope transported by a work queue. Over the
// socket backend it is serialized as one JSON frame per item.
type QueueItem struct {
	Kind ItemKind `json:"kind"`
	Task *Task    `json:"task,omitempty"`
}

// TaskItem wraps a task for transport.
func TaskItem(t Task) QueueItem {
	return QueueItem{Kind: ItemTask, Task: &t}
}

// AbortItem returns the abort sentinel.
func AbortItem() QueueItem {
	return QueueItem{Kind: ItemAbort}
}
