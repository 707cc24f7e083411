package domain

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// Worker auto-detection bounds. With WorkerCount == 0 the engine sizes
// the pool from the CPU count, clamped to this range.
const (
	MinAutoWorkers = 2
	MaxAutoWorkers = 15
)

// EngineConfig holds the recognized engine options plus the wiring a
// deployment needs to spawn worker processes.
type EngineConfig struct {
	// UseMessageQueue selects the socket queue backend and OS-process
	// workers. When false the engine runs in-process workers over the
	// bounded memory backend.
	UseMessageQueue bool

	// MaxQueuedItems bounds the work queue. 0 means unbounded, capped
	// to the platform ceiling by the backend.
	MaxQueuedItems int

	// WorkerCount is the number of workers to run. 0 auto-detects from
	// the CPU count, clamped to [MinAutoWorkers, MaxAutoWorkers].
	WorkerCount int

	// RPCPollInterval is the supervisor polling cadence.
	RPCPollInterval time.Duration

	// RPCErrorBudget is the number of consecutive missed status polls
	// tolerated before a worker is presumed dead.
	RPCErrorBudget int

	// TaskRetryInterval is how long a dispatched task may sit without a
	// live owner before the supervisor requeues it. Covers tasks that
	// were delivered into a worker's buffers and died with it.
	TaskRetryInterval time.Duration

	// JoinTimeout bounds the per-worker process join during shutdown
	// before escalating to terminate and kill.
	JoinTimeout time.Duration

	// PortWaitTimeout bounds the wait for a freshly spawned worker to
	// publish its RPC port.
	PortWaitTimeout time.Duration

	// WorkerCommand is the argv used to spawn a worker process. Only
	// consulted when UseMessageQueue is true.
	WorkerCommand []string

	// StorageDir is the session directory shared with workers.
	StorageDir string

	// SessionIdentifier names the extraction session.
	SessionIdentifier string
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		UseMessageQueue:   true,
		MaxQueuedItems:    0,
		WorkerCount:       0,
		RPCPollInterval:   1500 * time.Millisecond,
		RPCErrorBudget:    10,
		TaskRetryInterval: 5 * time.Second,
		JoinTimeout:       5 * time.Second,
		PortWaitTimeout:   8 * time.Second,
	}
}

// Validate checks the configuration, failing fast at construction time.
func (c EngineConfig) Validate() error {
	if c.MaxQueuedItems < 0 {
		return errors.Wrap(ErrInvalidConfig, "max queued items must not be negative")
	}
	if c.WorkerCount < 0 {
		return errors.Wrap(ErrInvalidConfig, "worker count must not be negative")
	}
	if c.RPCPollInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "rpc poll interval must be positive")
	}
	if c.RPCErrorBudget <= 0 {
		return errors.Wrap(ErrInvalidConfig, "rpc error budget must be positive")
	}
	if c.TaskRetryInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "task retry interval must be positive")
	}
	if c.JoinTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "join timeout must be positive")
	}
	if c.PortWaitTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "port wait timeout must be positive")
	}
	if c.UseMessageQueue && len(c.WorkerCommand) == 0 {
		return errors.Wrap(ErrInvalidConfig, "message queue mode requires a worker command")
	}
	return nil
}

// EffectiveWorkerCount resolves WorkerCount, auto-detecting when 0.
func (c EngineConfig) EffectiveWorkerCount() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	n := runtime.NumCPU() - 1
	if n < MinAutoWorkers {
		n = MinAutoWorkers
	}
	if n > MaxAutoWorkers {
		n = MaxAutoWorkers
	}
	return n
}
