package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// collectorStopWait bounds the wait for the collector goroutine during
// shutdown.
const collectorStopWait = 2 * time.Second

// processRecord tracks one supervised worker. A record is "monitored"
// only once its RPC client is attached; it always leaves the monitored
// set before it leaves the registered set.
type processRecord struct {
	pid        int
	identifier string
	handle     ports.WorkerProcess
	client     ports.StatusClient
	lastStatus *domain.WorkerStatus
	rpcErrors  int
}

// pendingTask is a task the collector produced that has not merged
// yet. owner is the pid last seen holding it over the status channel,
// 0 when nobody has reported it. lastPush is when it last entered the
// queue, so abandoned deliveries can be detected and retried.
type pendingTask struct {
	task     domain.Task
	owner    int
	lastPush time.Time
}

// counterTotals accumulates the counts of workers that are no longer
// monitored, so aggregate counters survive replacement.
type counterTotals struct {
	consumedSources int64
	producedSources int64
	consumedEvents  int64
	producedEvents  int64
}

func (t *counterTotals) add(st *domain.WorkerStatus) {
	if st == nil {
		return
	}
	t.consumedSources += st.ConsumedSources
	t.producedSources += st.ProducedSources
	t.consumedEvents += st.ConsumedEvents
	t.producedEvents += st.ProducedEvents
}

// Supervisor merges the engine and foreman responsibilities: it spawns
// and registers workers, polls their status, replaces unhealthy ones,
// merges completed task storage and maintains the aggregate
// ProcessingStatus. State transitions run on the goroutine driving
// RunUntilComplete/Shutdown, guarded by s.mu so concurrent
// ProcessingStatus readers see consistent records; the collector and
// the workers communicate with the supervisor only through the queue,
// the task channel and the status RPC.
type Supervisor struct {
	cfg      domain.EngineConfig
	queue    ports.WorkQueue
	storage  ports.EventStorage
	launcher ports.WorkerLauncher
	dial     ports.StatusDialer
	logger   ports.Logger
	metrics  ports.EngineMetrics
	callback domain.StatusCallback

	taskCh          chan domain.Task
	collector       *Collector
	collectorCancel context.CancelFunc

	mu               sync.Mutex
	records          map[int]*processRecord
	monitored        map[int]*processRecord
	pending          map[string]*pendingTask
	requeue          []domain.Task
	retired          counterTotals
	failingPathSpecs []string
	errorDetected    bool
	foreman          domain.ForemanState
	workerSeq        int
	aborted          bool
	shutdownDone     bool
}

// NewSupervisor wires a supervisor. The configuration must already be
// validated.
func NewSupervisor(cfg domain.EngineConfig, q ports.WorkQueue, storage ports.EventStorage,
	launcher ports.WorkerLauncher, dial ports.StatusDialer, logger ports.Logger) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		queue:     q,
		storage:   storage,
		launcher:  launcher,
		dial:      dial,
		logger:    logger.With("component", "supervisor"),
		taskCh:    make(chan domain.Task, 256),
		records:   make(map[int]*processRecord),
		monitored: make(map[int]*processRecord),
		pending:   make(map[string]*pendingTask),
		foreman:   domain.ForemanCollecting,
	}
	s.collector = NewCollector(q, storage, cfg.SessionIdentifier, cfg.StorageDir, s.taskCh, logger)
	return s
}

// SetStatusCallback installs the read-only aggregate status consumer.
func (s *Supervisor) SetStatusCallback(cb domain.StatusCallback) {
	s.callback = cb
}

// SetMetrics installs the optional metrics sink.
func (s *Supervisor) SetMetrics(m ports.EngineMetrics) {
	s.metrics = m
}

// StartWorkers spawns count workers, registering each by pid and
// monitoring it once its RPC port is published within the bounded
// wait.
func (s *Supervisor) StartWorkers(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		if err := s.spawnWorker(ctx); err != nil {
			return err
		}
	}
	return nil
}

// spawnWorker launches and registers one worker, then waits for its
// RPC port before monitoring it.
func (s *Supervisor) spawnWorker(ctx context.Context) error {
	s.mu.Lock()
	s.workerSeq++
	identifier := fmt.Sprintf("worker-%02d", s.workerSeq)
	s.mu.Unlock()

	handle, err := s.launcher.Launch(identifier)
	if err != nil {
		return pkgerrors.Wrapf(err, "spawn %s", identifier)
	}

	rec := &processRecord{pid: handle.Pid(), identifier: identifier, handle: handle}
	s.mu.Lock()
	s.records[rec.pid] = rec
	s.mu.Unlock()

	portCtx, cancel := context.WithTimeout(ctx, s.cfg.PortWaitTimeout)
	defer cancel()
	port, err := handle.RPCPort(portCtx)
	if err != nil {
		s.logger.Warn("worker never published an rpc port",
			"identifier", identifier, "pid", rec.pid)
		return pkgerrors.Wrapf(err, "monitor %s", identifier)
	}

	s.mu.Lock()
	rec.client = s.dial(port)
	s.monitored[rec.pid] = rec
	s.mu.Unlock()

	s.logger.Info("worker monitored", "identifier", identifier, "pid", rec.pid, "rpc_port", port)
	return nil
}

// RunUntilComplete starts the collector and loops: polling workers,
// requeueing and replacing as needed, and merging completed task
// storage, until the collector has finished and no pending tasks
// remain. Cancelling the context aborts the run.
func (s *Supervisor) RunUntilComplete(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	s.collectorCancel = cancel
	go s.collector.Run(cctx)

	ticker := time.NewTicker(s.cfg.RPCPollInterval)
	defer ticker.Stop()

	for {
		s.drainNewTasks()
		s.pollWorkers(ctx)
		s.retryAbandoned()
		s.flushRequeue()
		s.mergeCompleted()
		s.publishStatus()

		if s.completed() {
			s.logger.Info("processing complete")
			return nil
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.aborted = true
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainNewTasks moves announcements from the collector into the
// pending set. Only this goroutine touches the set.
func (s *Supervisor) drainNewTasks() {
	for {
		select {
		case task := <-s.taskCh:
			s.mu.Lock()
			s.pending[task.Identifier] = &pendingTask{task: task, lastPush: time.Now()}
			s.mu.Unlock()
		default:
			return
		}
	}
}

// pollWorkers performs one status poll cycle over the monitored set.
// The RPC itself runs unlocked; every record mutation happens under
// s.mu because ProcessingStatus readers walk the same records.
func (s *Supervisor) pollWorkers(ctx context.Context) {
	for _, rec := range s.monitoredSnapshot() {
		status := rec.client.GetStatus(ctx)
		if status == nil {
			s.mu.Lock()
			rec.rpcErrors++
			exhausted := rec.rpcErrors >= s.cfg.RPCErrorBudget
			missed := rec.rpcErrors
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.MissedPoll()
			}
			if exhausted {
				s.logger.Warn("worker presumed dead",
					"identifier", rec.identifier, "pid", rec.pid, "missed_polls", missed)
				s.replaceWorker(ctx, rec)
			}
			continue
		}

		s.mu.Lock()
		rec.rpcErrors = 0
		rec.lastStatus = status
		if status.TaskIdentifier != "" {
			if pt, ok := s.pending[status.TaskIdentifier]; ok {
				pt.owner = rec.pid
			}
		}
		if status.State == domain.StateError {
			s.errorDetected = true
			if status.FailingPathSpec != "" {
				s.failingPathSpecs = append(s.failingPathSpecs, status.FailingPathSpec)
			}
		}
		s.mu.Unlock()

		switch status.State {
		case domain.StateError:
			s.logger.Warn("worker reported extraction error, replacing",
				"identifier", rec.identifier, "pid", rec.pid,
				"path_spec", status.FailingPathSpec)
			s.replaceWorker(ctx, rec)
		case domain.StateCompleted:
			// Orderly exit: stop monitoring, no kill; the process is
			// joined during shutdown.
			s.mu.Lock()
			s.stopMonitoringLocked(rec)
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) monitoredSnapshot() []*processRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*processRecord, 0, len(s.monitored))
	for _, rec := range s.monitored {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].pid < recs[j].pid })
	return recs
}

// replaceWorker terminates a worker, requeues every pending task it
// was last seen holding and spawns a replacement. Tasks that were
// delivered into the dead worker's buffers but never reported are
// picked up later by retryAbandoned.
func (s *Supervisor) replaceWorker(ctx context.Context, rec *processRecord) {
	s.terminateWorker(rec)

	s.mu.Lock()
	now := time.Now()
	for id, pt := range s.pending {
		if pt.owner != rec.pid {
			continue
		}
		s.logger.Info("requeueing task of replaced worker", "task", id)
		pt.owner = 0
		pt.lastPush = now
		s.requeue = append(s.requeue, pt.task)
	}
	s.mu.Unlock()

	if err := s.spawnWorker(ctx); err != nil {
		s.logger.Warn("failed to spawn replacement worker", "error", err)
	}
	if s.metrics != nil {
		s.metrics.WorkerReplaced()
	}
}

// terminateWorker runs the terminate-then-kill sequence and drops the
// record. It is idempotent against an already-exited pid.
func (s *Supervisor) terminateWorker(rec *processRecord) {
	if err := rec.handle.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "pid", rec.pid, "error", err)
	}
	if rec.handle.IsAlive() {
		if err := rec.handle.Kill(); err != nil {
			s.logger.Warn("kill failed", "pid", rec.pid, "error", err)
		}
	}

	s.mu.Lock()
	s.stopMonitoringLocked(rec)
	delete(s.records, rec.pid)
	s.mu.Unlock()
}

// stopMonitoringLocked removes a record from the monitored set,
// folding its last known counters into the retired totals and
// releasing its RPC client. Callers hold s.mu.
func (s *Supervisor) stopMonitoringLocked(rec *processRecord) {
	if _, ok := s.monitored[rec.pid]; !ok {
		return
	}
	delete(s.monitored, rec.pid)
	s.retired.add(rec.lastStatus)
	if rec.client != nil {
		_ = rec.client.Close()
		rec.client = nil
	}
}

// retryAbandoned requeues pending tasks that left the supervisor's
// custody without surviving delivery: pushed, drained off the queue,
// yet owned by no monitored worker after the retry interval. A socket
// peer can die with frames buffered; those tasks would otherwise never
// merge. A retry can race a slow extraction and run a task twice; the
// completion marker keeps the merge idempotent.
func (s *Supervisor) retryAbandoned() {
	if !s.queue.IsEmpty() {
		return
	}
	now := time.Now()

	s.mu.Lock()
	for id, pt := range s.pending {
		if now.Sub(pt.lastPush) < s.cfg.TaskRetryInterval {
			continue
		}
		if pt.owner != 0 {
			if _, live := s.monitored[pt.owner]; live {
				continue
			}
		}
		s.logger.Info("requeueing abandoned task", "task", id)
		pt.owner = 0
		pt.lastPush = now
		s.requeue = append(s.requeue, pt.task)
	}
	s.mu.Unlock()
}

// flushRequeue re-pushes tasks reclaimed from dead workers, best
// effort and non-blocking.
func (s *Supervisor) flushRequeue() {
	s.mu.Lock()
	tasks := s.requeue
	s.requeue = nil
	s.mu.Unlock()

	var kept []domain.Task
	now := time.Now()
	for _, task := range tasks {
		err := s.queue.Push(domain.TaskItem(task), false)
		switch {
		case err == nil:
			s.mu.Lock()
			if pt, ok := s.pending[task.Identifier]; ok {
				pt.lastPush = now
			}
			s.mu.Unlock()
		case errors.Is(err, domain.ErrQueueFull):
			kept = append(kept, task)
		default:
			s.logger.Warn("dropping unqueueable task", "task", task.Identifier, "error", err)
		}
	}

	if len(kept) > 0 {
		s.mu.Lock()
		s.requeue = append(kept, s.requeue...)
		s.mu.Unlock()
	}
}

// mergeCompleted folds completed task segments into the aggregate
// store and retires the merged tasks.
func (s *Supervisor) mergeCompleted() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		merged, err := s.storage.MergeTaskStorage(id)
		if err != nil {
			s.logger.Warn("merge attempt failed", "task", id, "error", err)
			continue
		}
		if !merged {
			continue
		}
		s.mu.Lock()
		delete(s.pending, id)
		pendingCount := len(s.pending)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.TaskMerged()
			s.metrics.SetPendingTasks(pendingCount)
		}
	}
}

// completed reports whether the run is done: collection finished and
// no pending or requeued tasks remain.
func (s *Supervisor) completed() bool {
	select {
	case <-s.collector.Done():
	default:
		return false
	}
	// One more drain: the collector announces before it pushes, so
	// everything it produced is visible once Done is closed.
	s.drainNewTasks()

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && len(s.requeue) == 0
}

// publishStatus assembles the aggregate ProcessingStatus and hands a
// copy to the status callback.
func (s *Supervisor) publishStatus() {
	s.mu.Lock()
	status := s.buildStatusLocked()
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(status)
	}
}

// buildStatusLocked computes the aggregate snapshot. Callers hold
// s.mu.
func (s *Supervisor) buildStatusLocked() domain.ProcessingStatus {
	status := domain.ProcessingStatus{
		SessionIdentifier: s.cfg.SessionIdentifier,
		Foreman:           s.foremanStateLocked(),
		PendingTasks:      len(s.pending),
		ErrorDetected:     s.errorDetected,
		FailingPathSpecs:  append([]string(nil), s.failingPathSpecs...),
		ConsumedSources:   s.retired.consumedSources,
		ProducedSources:   s.retired.producedSources,
		ConsumedEvents:    s.retired.consumedEvents,
		ProducedEvents:    s.retired.producedEvents,
	}

	pids := make([]int, 0, len(s.records))
	for pid := range s.records {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		rec := s.records[pid]
		if rec.lastStatus == nil {
			continue
		}
		status.Workers = append(status.Workers, *rec.lastStatus)
		if _, live := s.monitored[pid]; live {
			status.ConsumedSources += rec.lastStatus.ConsumedSources
			status.ProducedSources += rec.lastStatus.ProducedSources
			status.ConsumedEvents += rec.lastStatus.ConsumedEvents
			status.ProducedEvents += rec.lastStatus.ProducedEvents
		}
	}
	return status
}

// foremanStateLocked derives the engine-level state. Callers hold
// s.mu.
func (s *Supervisor) foremanStateLocked() domain.ForemanState {
	if s.shutdownDone {
		if s.aborted {
			return domain.ForemanAborted
		}
		return domain.ForemanCompleted
	}
	if s.collector.Active() {
		return domain.ForemanCollecting
	}
	if len(s.pending) > 0 {
		return domain.ForemanRunning
	}
	return domain.ForemanIdle
}

// Shutdown stops the collector, winds the workers down and closes the
// queue. Calling it twice without abort is tolerated; a later abort
// shutdown escalates immediately.
func (s *Supervisor) Shutdown(abort bool) error {
	if s.collectorCancel != nil {
		s.collectorCancel()
		select {
		case <-s.collector.Done():
		case <-time.After(collectorStopWait):
			s.logger.Warn("collector did not stop in time")
		}
	}
	s.drainNewTasks()

	// One last poll per monitored worker so the final aggregate carries
	// the counts accumulated after the last regular cycle.
	for _, rec := range s.monitoredSnapshot() {
		pollCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if status := rec.client.GetStatus(pollCtx); status != nil {
			s.mu.Lock()
			rec.lastStatus = status
			s.mu.Unlock()
		}
		cancel()
	}

	s.mu.Lock()
	if abort {
		s.aborted = true
	}
	records := make([]*processRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].pid < records[j].pid })
	s.mu.Unlock()

	if abort {
		for _, rec := range records {
			s.terminateWorker(rec)
		}
	} else {
		s.drainQueue()
		for range records {
			if err := s.queue.Push(domain.AbortItem(), false); err != nil {
				break
			}
		}
		for _, rec := range records {
			if err := rec.handle.Wait(s.cfg.JoinTimeout); err != nil {
				s.logger.Warn("worker did not join, escalating",
					"identifier", rec.identifier, "pid", rec.pid)
			}
			s.terminateWorker(rec)
		}
	}

	if err := s.queue.Close(abort); err != nil && !errors.Is(err, domain.ErrQueueAlreadyClosed) {
		return pkgerrors.Wrap(err, "close queue")
	}

	s.mu.Lock()
	s.shutdownDone = true
	s.mu.Unlock()
	s.publishStatus()
	return nil
}

// drainQueue empties the queue's remaining items, best effort. Tasks
// drained here were never processed; on a non-abort shutdown that only
// happens when the caller stops a run early.
func (s *Supervisor) drainQueue() {
	for !s.queue.IsEmpty() {
		if _, err := s.queue.Pop(); err != nil {
			return
		}
	}
}

// ProcessingStatus returns the current aggregate snapshot.
func (s *Supervisor) ProcessingStatus() domain.ProcessingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildStatusLocked()
}
