package domain

// WorkerState models the lifecycle of a worker process as observed
// through its status snapshots.
type WorkerState string

const (
	StateInitialized WorkerState = "INITIALIZED"
	StateRunning     WorkerState = "RUNNING"
	StateIdle        WorkerState = "IDLE"
	StateCompleted   WorkerState = "COMPLETED"
	StateAborted     WorkerState = "ABORTED"
	StateError       WorkerState = "ERROR"
	StateKilled      WorkerState = "KILLED"
)

// workerTransitionMap lists the states reachable from each state.
// Terminal states map to an empty set.
var workerTransitionMap = map[WorkerState][]WorkerState{
	StateInitialized: {StateRunning, StateIdle, StateCompleted, StateAborted, StateError, StateKilled},
	StateRunning:     {StateRunning, StateIdle, StateCompleted, StateAborted, StateError, StateKilled},
	StateIdle:        {StateRunning, StateIdle, StateCompleted, StateAborted, StateError, StateKilled},
	StateError:       {},
	StateCompleted:   {},
	StateAborted:     {},
	StateKilled:      {},
}

// ValidWorkerTransition reports whether a worker may move from src to dst.
func ValidWorkerTransition(src, dst WorkerState) bool {
	for _, s := range workerTransitionMap[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the worker lifecycle.
func (s WorkerState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateError, StateKilled:
		return true
	}
	return false
}

// ForemanState is the engine-level processing state aggregated by the
// supervisor, one step above the per-worker states.
type ForemanState string

const (
	ForemanCollecting ForemanState = "COLLECTING"
	ForemanRunning    ForemanState = "RUNNING"
	ForemanIdle       ForemanState = "IDLE"
	ForemanCompleted  ForemanState = "COMPLETED"
	ForemanAborted    ForemanState = "ABORTED"
)
