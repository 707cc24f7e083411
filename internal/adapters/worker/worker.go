// Package worker contains the worker runtime: the task loop that pops
// work from a queue, drives the extraction collaborator, writes
// task-scoped storage segments and serves its status over the RPC
// channel. The same runtime backs both OS-process and in-process
// workers.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dev.forensix.extract-engine/internal/adapters/process"
	"dev.forensix.extract-engine/internal/adapters/rpc"
	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// idleWait is how long the runtime lingers in IDLE before re-polling
// an empty queue.
const idleWait = 50 * time.Millisecond

// Runtime is one worker's task loop plus its status snapshot state.
type Runtime struct {
	identifier string
	session    string
	queue      ports.WorkQueue
	storage    ports.EventStorage
	extractor  ports.Extractor
	portFile   string
	logger     ports.Logger
	pid        int

	abort      atomic.Bool
	serverPort atomic.Int64

	mu              sync.Mutex
	state           domain.WorkerState
	currentTask     string
	consumedSources int64
	producedSources int64
	consumedEvents  int64
	producedEvents  int64
	failingPathSpec string
}

var _ rpc.StatusReporter = (*Runtime)(nil)

// New creates a worker runtime. portFile may be empty for in-process
// workers whose supervisor reads the port directly.
func New(identifier, session string, q ports.WorkQueue, storage ports.EventStorage,
	extractor ports.Extractor, portFile string, logger ports.Logger) *Runtime {
	return &Runtime{
		identifier: identifier,
		session:    session,
		queue:      q,
		storage:    storage,
		extractor:  extractor,
		portFile:   portFile,
		logger:     logger.With("component", "worker", "identifier", identifier),
		pid:        os.Getpid(),
		state:      domain.StateInitialized,
	}
}

// Run executes the worker loop until the queue closes, an abort is
// requested, or the context is canceled. The status server is started
// before the first pop; a failed server start is logged and the loop
// proceeds unmonitored.
func (r *Runtime) Run(ctx context.Context) error {
	server := rpc.NewStatusServer(r, r.portFile, r.logger)
	if err := server.Start(r.pid); err != nil {
		r.logger.Warn("status server failed to start, worker runs unmonitored", "error", err)
	} else {
		r.serverPort.Store(int64(server.Port()))
	}
	defer server.Stop()

	for {
		if r.abort.Load() || ctx.Err() != nil {
			r.setState(domain.StateAborted)
			return nil
		}

		item, err := r.queue.Pop()
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrQueueEmpty):
			r.setState(domain.StateIdle)
			continue
		case errors.Is(err, domain.ErrQueueClosed):
			if r.abort.Load() {
				r.setState(domain.StateAborted)
			} else {
				r.setState(domain.StateCompleted)
			}
			return nil
		default:
			r.logger.Warn("unexpected queue error", "error", err)
			sleepContext(ctx, idleWait)
			continue
		}

		if item.Kind == domain.ItemAbort || item.Task == nil {
			// The sentinel only unblocks the loop; the terminal state
			// reflects whether an abort was actually requested. An
			// orderly shutdown sends the same sentinel after the work
			// is done.
			if r.abort.Load() {
				r.setState(domain.StateAborted)
			} else {
				r.setState(domain.StateCompleted)
			}
			return nil
		}

		r.processTask(ctx, *item.Task)
	}
}

// SignalAbort requests a cooperative stop, checked at the top of each
// loop iteration. It does not interrupt an in-flight extraction.
func (r *Runtime) SignalAbort() {
	r.abort.Store(true)
}

// RPCPort returns the published status port, 0 until the server is up.
func (r *Runtime) RPCPort() int {
	return int(r.serverPort.Load())
}

// processTask runs extraction for one task. Errors here are the
// partial-failure boundary: logged, reported through the status, and
// never fatal to the worker.
func (r *Runtime) processTask(ctx context.Context, task domain.Task) {
	r.beginTask(task)

	segment, err := r.storage.CreateTaskStorage(task)
	if err != nil {
		r.failTask(task, err)
		return
	}

	events, err := r.extractor.Process(ctx, task.PathSpec)
	if err != nil {
		r.failTask(task, err)
		// The segment is still completed so the task can retire; the
		// failure travels through the status channel instead.
		if cerr := segment.MarkComplete(); cerr == nil {
			r.segmentCompleted()
		}
		_ = segment.Close()
		return
	}

	written := int64(0)
	for _, event := range events {
		if werr := segment.WriteEvent(event); werr != nil {
			r.failTask(task, werr)
			break
		}
		written++
	}
	if err := segment.MarkComplete(); err != nil {
		r.failTask(task, err)
	} else {
		r.segmentCompleted()
	}
	if err := segment.Close(); err != nil {
		r.logger.Warn("failed to close task segment", "task", task.Identifier, "error", err)
	}

	r.finishTask(int64(len(events)), written)
}

func (r *Runtime) beginTask(task domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitionLocked(domain.StateRunning)
	r.currentTask = task.Identifier
	r.consumedSources++
}

// finishTask folds the per-task tallies: consumed counts events the
// extractor handed over, produced counts the ones that reached the
// segment.
func (r *Runtime) finishTask(consumed, produced int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumedEvents += consumed
	r.producedEvents += produced
	r.currentTask = ""
	r.transitionLocked(domain.StateIdle)
}

// segmentCompleted counts one completed task segment, the unit the
// merge step consumes as an event source.
func (r *Runtime) segmentCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producedSources++
}

func (r *Runtime) failTask(task domain.Task, err error) {
	r.logger.Warn("task extraction failed",
		"task", task.Identifier, "path_spec", task.PathSpec, "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failingPathSpec = task.PathSpec
	r.transitionLocked(domain.StateError)
}

func (r *Runtime) setState(state domain.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitionLocked(state)
}

// transitionLocked applies a state change when the state machine
// allows it. An ERROR state sticks until the supervisor replaces the
// worker.
func (r *Runtime) transitionLocked(state domain.WorkerState) {
	if r.state == state {
		return
	}
	if !domain.ValidWorkerTransition(r.state, state) {
		return
	}
	r.state = state
}

// CurrentStatus produces a fresh snapshot for the status server.
func (r *Runtime) CurrentStatus() domain.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	memory, err := process.ResidentMemory(r.pid)
	if err != nil {
		memory = 0
	}

	return domain.WorkerStatus{
		Identifier:      r.identifier,
		PID:             r.pid,
		State:           r.state,
		DisplayName:     r.identifier,
		TaskIdentifier:  r.currentTask,
		ConsumedSources: r.consumedSources,
		ProducedSources: r.producedSources,
		ConsumedEvents:  r.consumedEvents,
		ProducedEvents:  r.producedEvents,
		FailingPathSpec: r.failingPathSpec,
		MemoryBytes:     memory,
		Timestamp:       time.Now().UTC(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
