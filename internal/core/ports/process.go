package ports

import (
	"context"
	"time"

	"dev.forensix.extract-engine/internal/core/domain"
)

// WorkerProcess is a handle to one supervised worker, regardless of
// whether it runs as an OS process or in-process. Terminate and Kill
// are idempotent against a worker that has already exited.
type WorkerProcess interface {
	// Pid returns the worker's process identifier.
	Pid() int

	// IsAlive probes whether the worker is still running.
	IsAlive() bool

	// Terminate sends the graceful stop signal.
	Terminate() error

	// Kill forcibly stops the worker.
	Kill() error

	// Wait blocks until the worker exits or the timeout elapses.
	Wait(timeout time.Duration) error

	// RPCPort blocks until the worker publishes its status RPC port or
	// the context expires. A worker whose status server failed to start
	// never publishes.
	RPCPort(ctx context.Context) (int, error)
}

// WorkerLauncher spawns workers. The launcher is the single axis of
// variation between OS-process and in-process execution; the
// supervisor is otherwise identical for both.
type WorkerLauncher interface {
	Launch(identifier string) (WorkerProcess, error)
}

// StatusClient polls one worker's status channel. GetStatus returns
// nil on any transport failure; the supervisor counts that as a
// health-check miss, not a crash signal.
type StatusClient interface {
	GetStatus(ctx context.Context) *domain.WorkerStatus
	Close() error
}

// StatusDialer builds a lazily connecting status client for a
// published RPC port.
type StatusDialer func(port int) StatusClient
