// Package process spawns and introspects worker OS processes: launch,
// alive check, resident-memory probe, terminate and kill.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/c9s/goprocinfo/linux"
	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/ports"
)

// Environment passed to spawned workers.
const (
	EnvWorkerID    = "EXTRACT_WORKER_ID"
	EnvSessionID   = "EXTRACT_SESSION_ID"
	EnvQueuePort   = "EXTRACT_QUEUE_PORT"
	EnvStorageDir  = "EXTRACT_STORAGE_DIR"
	EnvRPCPortFile = "EXTRACT_RPC_PORT_FILE"
)

// portPollInterval is how often a handle re-reads the port file while
// waiting for the worker to publish its RPC port.
const portPollInterval = 100 * time.Millisecond

// Launcher spawns worker processes from a fixed argv, wiring each one
// to the session via environment variables.
type Launcher struct {
	command    []string
	storageDir string
	sessionID  string
	queuePort  int
	logger     ports.Logger
}

var _ ports.WorkerLauncher = (*Launcher)(nil)

// NewLauncher creates a process launcher. queuePort is the bound port
// of the push queue workers pull from.
func NewLauncher(command []string, storageDir, sessionID string, queuePort int, logger ports.Logger) (*Launcher, error) {
	if len(command) == 0 {
		return nil, errors.New("worker command must not be empty")
	}
	return &Launcher{
		command:    command,
		storageDir: storageDir,
		sessionID:  sessionID,
		queuePort:  queuePort,
		logger:     logger.With("component", "process_launcher"),
	}, nil
}

// PortFilePath returns where a worker publishes its RPC port.
func PortFilePath(storageDir, identifier string) string {
	return filepath.Join(storageDir, fmt.Sprintf("rpc-%s.port", identifier))
}

// Launch starts one worker process.
func (l *Launcher) Launch(identifier string) (ports.WorkerProcess, error) {
	portFile := PortFilePath(l.storageDir, identifier)
	// A stale port file from a replaced worker must not be mistaken for
	// the new worker's publication.
	_ = os.Remove(portFile)

	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+identifier,
		EnvSessionID+"="+l.sessionID,
		EnvQueuePort+"="+strconv.Itoa(l.queuePort),
		EnvStorageDir+"="+l.storageDir,
		EnvRPCPortFile+"="+portFile,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "launch worker %s", identifier)
	}

	h := &Handle{
		identifier: identifier,
		pid:        cmd.Process.Pid,
		cmd:        cmd,
		portFile:   portFile,
		done:       make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	l.logger.Info("worker process launched", "identifier", identifier, "pid", h.pid)
	return h, nil
}

// Handle is the supervisor-side view of one spawned worker process.
type Handle struct {
	identifier string
	pid        int
	cmd        *exec.Cmd
	portFile   string
	done       chan struct{}
	waitErr    error
}

var _ ports.WorkerProcess = (*Handle)(nil)

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.pid
}

// IsAlive probes the process. A process we cannot signal for
// permission reasons still counts as alive.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return Alive(h.pid)
}

// Terminate sends SIGTERM. An already exited pid is not an error.
func (h *Handle) Terminate() error {
	return signalProcess(h.pid, syscall.SIGTERM)
}

// Kill sends SIGKILL. An already exited pid is not an error.
func (h *Handle) Kill() error {
	return signalProcess(h.pid, syscall.SIGKILL)
}

// Wait blocks until the process exits or the timeout elapses.
func (h *Handle) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errors.Errorf("process %d did not exit within %s", h.pid, timeout)
	}
}

// RPCPort polls the worker's port file until published or the context
// expires.
func (h *Handle) RPCPort(ctx context.Context) (int, error) {
	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for {
		if port, ok := readPortFile(h.portFile); ok {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrapf(ctx.Err(), "worker %s did not publish an rpc port", h.identifier)
		case <-ticker.C:
		}
	}
}

func readPortFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

// Alive reports whether a pid designates a running process.
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// signalProcess delivers a signal, treating an already exited pid as
// success so terminate-then-kill stays idempotent.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err == nil || err == syscall.ESRCH {
		return nil
	}
	return errors.Wrapf(err, "signal %s to pid %d", sig, pid)
}

// ResidentMemory samples a process's resident set size in bytes from
// /proc.
func ResidentMemory(pid int) (uint64, error) {
	statm, err := linux.ReadProcessStatm(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, errors.Wrapf(err, "read statm for pid %d", pid)
	}
	return statm.Resident * uint64(os.Getpagesize()), nil
}
