package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/ports"
)

// goroutinePidBase keeps synthetic pids of in-process workers out of
// the range real pids occupy.
const goroutinePidBase = 1 << 20

// portPollInterval paces the RPCPort wait of in-process handles.
const portPollInterval = 20 * time.Millisecond

// GoroutineLauncher runs workers as goroutines inside the supervisor
// process. It backs the memory-queue mode and the engine tests; the
// supervisor drives it through the same WorkerLauncher port as the
// OS-process launcher.
type GoroutineLauncher struct {
	queue     ports.WorkQueue
	storage   ports.EventStorage
	extractor ports.Extractor
	session   string
	logger    ports.Logger
	nextPid   atomic.Int64
}

var _ ports.WorkerLauncher = (*GoroutineLauncher)(nil)

// NewGoroutineLauncher creates an in-process launcher sharing one
// queue, storage and extractor across all workers.
func NewGoroutineLauncher(q ports.WorkQueue, storage ports.EventStorage,
	extractor ports.Extractor, session string, logger ports.Logger) *GoroutineLauncher {
	l := &GoroutineLauncher{
		queue:     q,
		storage:   storage,
		extractor: extractor,
		session:   session,
		logger:    logger,
	}
	l.nextPid.Store(goroutinePidBase)
	return l
}

// Launch starts one in-process worker.
func (l *GoroutineLauncher) Launch(identifier string) (ports.WorkerProcess, error) {
	runtime := New(identifier, l.session, l.queue, l.storage, l.extractor, "", l.logger)

	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{
		runtime: runtime,
		pid:     int(l.nextPid.Add(1)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		if err := runtime.Run(ctx); err != nil {
			l.logger.Warn("in-process worker exited with error",
				"identifier", identifier, "error", err)
		}
	}()
	return h, nil
}

// goroutineHandle adapts an in-process worker to the WorkerProcess
// port. Terminate maps to the cooperative abort; Kill cancels the
// worker context outright, which also tears its status server down.
type goroutineHandle struct {
	runtime *Runtime
	pid     int
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ ports.WorkerProcess = (*goroutineHandle)(nil)

func (h *goroutineHandle) Pid() int {
	return h.pid
}

func (h *goroutineHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *goroutineHandle) Terminate() error {
	h.runtime.SignalAbort()
	h.cancel()
	return nil
}

func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}

func (h *goroutineHandle) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errors.Errorf("in-process worker %d did not exit within %s", h.pid, timeout)
	}
}

func (h *goroutineHandle) RPCPort(ctx context.Context) (int, error) {
	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for {
		if port := h.runtime.RPCPort(); port > 0 {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "in-process worker did not publish an rpc port")
		case <-ticker.C:
		}
	}
}
