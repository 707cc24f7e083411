package domain

import "time"

// Event is one extracted timeline artifact. The on-disk event format
// belongs to the storage collaborator; this is only the in-flight
// shape handed from the extraction callback to a task segment.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// WorkerStatus is a point-in-time snapshot of one worker, produced
// fresh on every RPC poll and never mutated in place.
type WorkerStatus struct {
	Identifier      string      `json:"identifier"`
	PID             int         `json:"pid"`
	State           WorkerState `json:"state"`
	DisplayName     string      `json:"display_name"`
	TaskIdentifier  string      `json:"task_identifier,omitempty"`
	ConsumedSources int64       `json:"consumed_sources"`
	ProducedSources int64       `json:"produced_sources"`
	ConsumedEvents  int64       `json:"consumed_events"`
	ProducedEvents  int64       `json:"produced_events"`
	FailingPathSpec string      `json:"failing_path_spec,omitempty"`
	MemoryBytes     uint64      `json:"memory_bytes"`
	Timestamp       time.Time   `json:"timestamp"`
}

// ProcessingStatus is the engine-wide aggregate the supervisor exposes
// to its caller. It is mutated only by the supervisor goroutine and
// handed out as a copy through the status callback.
type ProcessingStatus struct {
	SessionIdentifier string         `json:"session_identifier"`
	Foreman           ForemanState   `json:"foreman"`
	Workers           []WorkerStatus `json:"workers"`
	ConsumedSources   int64          `json:"consumed_sources"`
	ProducedSources   int64          `json:"produced_sources"`
	ConsumedEvents    int64          `json:"consumed_events"`
	ProducedEvents    int64          `json:"produced_events"`
	PendingTasks      int            `json:"pending_tasks"`
	ErrorDetected     bool           `json:"error_detected"`
	FailingPathSpecs  []string       `json:"failing_path_specs,omitempty"`
}

// StatusCallback receives a copy of the aggregate status once per
// supervisor polling cycle.
type StatusCallback func(ProcessingStatus)
