package ports

// EngineMetrics receives supervisor-side throughput observations.
// Implementations must tolerate concurrent calls.
type EngineMetrics interface {
	// TaskMerged records one task segment merged into the aggregate.
	TaskMerged()

	// WorkerReplaced records one terminated-and-replaced worker.
	WorkerReplaced()

	// MissedPoll records one status poll that returned no data.
	MissedPoll()

	// SetPendingTasks tracks the number of unmerged dispatched tasks.
	SetPendingTasks(n int)
}
