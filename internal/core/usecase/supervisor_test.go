package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.forensix.extract-engine/internal/adapters/logger"
	"dev.forensix.extract-engine/internal/adapters/queue"
	"dev.forensix.extract-engine/internal/adapters/store"
	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// fakeHandle stands in for a worker process; the pid doubles as its
// status port.
type fakeHandle struct {
	pid        int
	mu         sync.Mutex
	alive      bool
	terminated bool
	killed     bool
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.alive = false
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	h.alive = false
	return nil
}

func (h *fakeHandle) Wait(time.Duration) error { return nil }

func (h *fakeHandle) RPCPort(context.Context) (int, error) { return h.pid, nil }

func (h *fakeHandle) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated || h.killed
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPid int
	handles []*fakeHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPid: 100}
}

func (l *fakeLauncher) Launch(string) (ports.WorkerProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPid++
	h := &fakeHandle{pid: l.nextPid, alive: true}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

// clientScript routes scripted status replies by port. Unscripted
// ports report IDLE.
type clientScript struct {
	mu  sync.Mutex
	fns map[int]func() *domain.WorkerStatus
}

func newClientScript() *clientScript {
	return &clientScript{fns: make(map[int]func() *domain.WorkerStatus)}
}

func (s *clientScript) set(port int, fn func() *domain.WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[port] = fn
}

func (s *clientScript) dialer() ports.StatusDialer {
	return func(port int) ports.StatusClient {
		return &scriptClient{script: s, port: port}
	}
}

type scriptClient struct {
	script *clientScript
	port   int
}

func (c *scriptClient) GetStatus(context.Context) *domain.WorkerStatus {
	c.script.mu.Lock()
	fn := c.script.fns[c.port]
	c.script.mu.Unlock()
	if fn == nil {
		return &domain.WorkerStatus{State: domain.StateIdle}
	}
	return fn()
}

func (c *scriptClient) Close() error { return nil }

func testConfig() domain.EngineConfig {
	cfg := domain.DefaultEngineConfig()
	cfg.UseMessageQueue = false
	cfg.RPCPollInterval = 10 * time.Millisecond
	cfg.RPCErrorBudget = 3
	cfg.TaskRetryInterval = 100 * time.Millisecond
	cfg.JoinTimeout = 200 * time.Millisecond
	cfg.PortWaitTimeout = time.Second
	cfg.SessionIdentifier = "test-session"
	return cfg
}

func TestSupervisorReplacesUnresponsiveWorker(t *testing.T) {
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore([]string{"/evidence/a"})
	launcher := newFakeLauncher()
	script := newClientScript()

	// The first worker reports its in-flight task twice, then goes
	// silent, as a process dying mid-task does.
	var taskID atomic.Value
	var replies atomic.Int64
	script.set(101, func() *domain.WorkerStatus {
		id, _ := taskID.Load().(string)
		if id == "" {
			return &domain.WorkerStatus{Identifier: "worker-01", State: domain.StateIdle}
		}
		if replies.Add(1) <= 2 {
			return &domain.WorkerStatus{Identifier: "worker-01", State: domain.StateRunning, TaskIdentifier: id}
		}
		return nil
	})

	sup := NewSupervisor(testConfig(), q, st, launcher, script.dialer(), logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.StartWorkers(ctx, 1))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.RunUntilComplete(ctx) }()

	// Stand in for the worker and take the task off the queue.
	var task domain.Task
	require.Eventually(t, func() bool {
		item, err := q.Pop()
		if err != nil {
			return false
		}
		task = *item.Task
		return true
	}, 5*time.Second, 10*time.Millisecond)
	taskID.Store(task.Identifier)

	require.Eventually(t, func() bool {
		return launcher.count() == 2 && launcher.handle(0).stopped()
	}, 5*time.Second, 10*time.Millisecond, "silent worker must be replaced after the error budget")

	// The dead worker's in-flight task goes back on the queue.
	require.Eventually(t, func() bool {
		item, err := q.Pop()
		return err == nil && item.Task != nil && item.Task.Identifier == task.Identifier
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.NoError(t, sup.Shutdown(true))
	require.True(t, launcher.handle(1).stopped())
	require.Equal(t, domain.ForemanAborted, sup.ProcessingStatus().Foreman)
}

func TestSupervisorRequeuesAbandonedTask(t *testing.T) {
	// A task can leave the queue without ever being reported over the
	// status channel: the socket backend ships frames into a worker's
	// buffers, and a worker dying right after delivery takes them with
	// it. The task must come back after the retry interval.
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore([]string{"/evidence/a"})
	launcher := newFakeLauncher()
	script := newClientScript()

	sup := NewSupervisor(testConfig(), q, st, launcher, script.dialer(), logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.StartWorkers(ctx, 1))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.RunUntilComplete(ctx) }()

	// Take delivery of the task without ever acknowledging it.
	var task domain.Task
	require.Eventually(t, func() bool {
		item, err := q.Pop()
		if err != nil || item.Task == nil {
			return false
		}
		task = *item.Task
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		item, err := q.Pop()
		return err == nil && item.Task != nil && item.Task.Identifier == task.Identifier
	}, 5*time.Second, 10*time.Millisecond, "an unowned delivered task must be requeued")

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.NoError(t, sup.Shutdown(true))
}

func TestSupervisorStatusReadsDuringRun(t *testing.T) {
	// ProcessingStatus readers walk the same records the poll loop
	// mutates; hammering them concurrently must stay consistent (the
	// race detector covers this test).
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore(nil)
	launcher := newFakeLauncher()
	script := newClientScript()
	script.set(101, func() *domain.WorkerStatus {
		return &domain.WorkerStatus{Identifier: "worker-01", State: domain.StateRunning, ConsumedSources: 1}
	})

	sup := NewSupervisor(testConfig(), q, st, launcher, script.dialer(), logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.StartWorkers(ctx, 1))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.RunUntilComplete(ctx) }()

	stop := make(chan struct{})
	readsDone := make(chan struct{})
	go func() {
		defer close(readsDone)
		for {
			select {
			case <-stop:
				return
			default:
				status := sup.ProcessingStatus()
				require.Equal(t, "test-session", status.SessionIdentifier)
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(stop)
	<-readsDone

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.NoError(t, sup.Shutdown(true))
}

func TestSupervisorReplacesErrorWorker(t *testing.T) {
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore([]string{"/evidence/x"})
	launcher := newFakeLauncher()
	script := newClientScript()
	script.set(101, func() *domain.WorkerStatus {
		return &domain.WorkerStatus{
			Identifier:      "worker-01",
			State:           domain.StateError,
			FailingPathSpec: "/evidence/x/bad",
		}
	})

	sup := NewSupervisor(testConfig(), q, st, launcher, script.dialer(), logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.StartWorkers(ctx, 1))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.RunUntilComplete(ctx) }()

	require.Eventually(t, func() bool {
		return launcher.count() == 2 && launcher.handle(0).stopped()
	}, 5*time.Second, 10*time.Millisecond, "a worker reporting ERROR is replaced immediately")

	status := sup.ProcessingStatus()
	require.True(t, status.ErrorDetected)
	require.Contains(t, status.FailingPathSpecs, "/evidence/x/bad")

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.NoError(t, sup.Shutdown(true))
}

func TestSupervisorRetiresCompletedWorkerCounters(t *testing.T) {
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore(nil)
	launcher := newFakeLauncher()
	script := newClientScript()
	script.set(101, func() *domain.WorkerStatus {
		return &domain.WorkerStatus{
			Identifier:      "worker-01",
			State:           domain.StateCompleted,
			ConsumedSources: 2,
			ProducedEvents:  5,
		}
	})

	sup := NewSupervisor(testConfig(), q, st, launcher, script.dialer(), logger.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.StartWorkers(ctx, 1))
	require.NoError(t, sup.RunUntilComplete(ctx))

	status := sup.ProcessingStatus()
	require.EqualValues(t, 2, status.ConsumedSources, "counters fold exactly once into the retired totals")
	require.EqualValues(t, 5, status.ProducedEvents)

	require.NoError(t, sup.Shutdown(false))
	require.EqualValues(t, 2, sup.ProcessingStatus().ConsumedSources)
	require.Equal(t, domain.ForemanCompleted, sup.ProcessingStatus().Foreman)
}

func TestSupervisorShutdownIsIdempotent(t *testing.T) {
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore(nil)
	sup := NewSupervisor(testConfig(), q, st, newFakeLauncher(), newClientScript().dialer(), logger.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.RunUntilComplete(ctx))

	require.NoError(t, sup.Shutdown(false))
	require.ErrorIs(t, q.Push(domain.AbortItem(), false), domain.ErrQueueClosed)

	// A second orderly shutdown must not raise on the closed queue.
	require.NoError(t, sup.Shutdown(false))
	require.Equal(t, domain.ForemanCompleted, sup.ProcessingStatus().Foreman)
}

func TestSupervisorStatusCallback(t *testing.T) {
	q := queue.NewMemoryQueue(8, 30*time.Millisecond, logger.NewNopLogger())
	st := store.NewInMemoryStore(nil)
	sup := NewSupervisor(testConfig(), q, st, newFakeLauncher(), newClientScript().dialer(), logger.NewNopLogger())

	var calls atomic.Int64
	sup.SetStatusCallback(func(status domain.ProcessingStatus) {
		calls.Add(1)
		require.Equal(t, "test-session", status.SessionIdentifier)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.RunUntilComplete(ctx))
	require.NoError(t, sup.Shutdown(false))
	require.Greater(t, calls.Load(), int64(0))
}
