// Command workerManager is the extraction engine front end. It takes a
// list of source paths, fans them out as tasks over a loopback queue to
// a pool of worker processes and merges the task storage segments into
// the session's aggregate store.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.forensix.extract-engine/internal/adapters/extractor"
	"dev.forensix.extract-engine/internal/adapters/logger"
	"dev.forensix.extract-engine/internal/adapters/metrics"
	"dev.forensix.extract-engine/internal/adapters/process"
	"dev.forensix.extract-engine/internal/adapters/queue"
	"dev.forensix.extract-engine/internal/adapters/rpc"
	"dev.forensix.extract-engine/internal/adapters/store"
	workeradapter "dev.forensix.extract-engine/internal/adapters/worker"
	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
	"dev.forensix.extract-engine/internal/core/usecase"
)

func main() {
	var (
		workers     = flag.Int("workers", 0, "number of extraction workers, 0 sizes from the cpu count")
		storageDir  = flag.String("storage", "", "session storage directory, a temp dir when empty")
		memoryMode  = flag.Bool("memory", false, "run workers in-process over a memory queue")
		queuedItems = flag.Int("max-queued", 0, "maximum queued tasks, 0 for the platform ceiling")
		workerBin   = flag.String("worker-bin", "", "worker binary path, defaults to 'worker' next to this binary")
		metricsAddr = flag.String("metrics-addr", "", "expose prometheus metrics on this address")
	)
	flag.Parse()

	zl, err := logger.NewZapLogger()
	if err != nil {
		os.Exit(1)
	}
	var log ports.Logger = zl

	sources := flag.Args()
	if len(sources) == 0 {
		log.Fatal("no source paths given")
	}

	cfg := domain.DefaultEngineConfig()
	cfg.UseMessageQueue = !*memoryMode
	cfg.WorkerCount = *workers
	cfg.MaxQueuedItems = *queuedItems
	cfg.SessionIdentifier = uuid.New().String()
	cfg.StorageDir = *storageDir
	if cfg.StorageDir == "" {
		dir, err := os.MkdirTemp("", "extract-session-*")
		if err != nil {
			log.Fatal("failed to create session directory", "error", err)
		}
		cfg.StorageDir = dir
	}
	if cfg.UseMessageQueue {
		cfg.WorkerCommand = []string{workerBinary(*workerBin)}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	log = log.With("session", cfg.SessionIdentifier)

	var (
		workQueue ports.WorkQueue
		storage   ports.EventStorage
		launcher  ports.WorkerLauncher
	)
	if cfg.UseMessageQueue {
		q, err := queue.NewSocketQueue(queue.SocketOptions{
			Direction:  queue.PushOnly,
			Mode:       queue.Bind,
			BufferSize: cfg.MaxQueuedItems,
		}, log)
		if err != nil {
			log.Fatal("failed to bind task queue", "error", err)
		}
		workQueue = q

		storage, err = store.NewStore(store.FilesystemStore, cfg.StorageDir, sources)
		if err != nil {
			log.Fatal("failed to open session storage", "dir", cfg.StorageDir, "error", err)
		}

		launcher, err = process.NewLauncher(cfg.WorkerCommand,
			cfg.StorageDir, cfg.SessionIdentifier, q.Port(), log)
		if err != nil {
			log.Fatal("failed to create worker launcher", "error", err)
		}
	} else {
		workQueue = queue.NewMemoryQueue(cfg.MaxQueuedItems, 0, log)
		storage, err = store.NewStore(store.MemoryStore, "", sources)
		if err != nil {
			log.Fatal("failed to open session storage", "error", err)
		}

		registry := extractor.NewRegistry()
		if err := extractor.RegisterBuiltins(registry); err != nil {
			log.Fatal("failed to register extractors", "error", err)
		}
		ext, err := registry.Get(extractor.FileStatName)
		if err != nil {
			log.Fatal("unknown extractor", "error", err)
		}
		launcher = workeradapter.NewGoroutineLauncher(
			workQueue, storage, ext, cfg.SessionIdentifier, log)
	}

	supervisor := usecase.NewSupervisor(cfg, workQueue, storage, launcher,
		rpc.Dialer(0, log), log)

	if m, err := metrics.NewEngineMetrics("", nil); err != nil {
		log.Warn("metrics disabled", "error", err)
	} else {
		supervisor.SetMetrics(m)
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("metrics endpoint failed", "addr", *metricsAddr, "error", err)
			}
		}()
	}
	supervisor.SetStatusCallback(func(status domain.ProcessingStatus) {
		log.Debug("processing status",
			"foreman", status.Foreman,
			"pending_tasks", status.PendingTasks,
			"consumed_sources", status.ConsumedSources,
			"produced_events", status.ProducedEvents,
			"workers", len(status.Workers))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := supervisor.StartWorkers(ctx, cfg.EffectiveWorkerCount()); err != nil {
		log.Error("failed to start workers", "error", err)
		_ = supervisor.Shutdown(true)
		os.Exit(1)
	}

	runErr := supervisor.RunUntilComplete(ctx)
	if err := supervisor.Shutdown(runErr != nil); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	if runErr != nil {
		log.Error("extraction aborted", "error", runErr)
		os.Exit(1)
	}

	final := supervisor.ProcessingStatus()
	log.Info("extraction complete",
		"storage", cfg.StorageDir,
		"consumed_sources", final.ConsumedSources,
		"produced_events", final.ProducedEvents,
		"errors_detected", final.ErrorDetected,
		"elapsed", time.Since(start).String())
}

// workerBinary resolves the worker argv, defaulting to a binary named
// "worker" next to the running executable.
func workerBinary(override string) string {
	if override != "" {
		return override
	}
	exe, err := os.Executable()
	if err != nil {
		return "worker"
	}
	return filepath.Join(filepath.Dir(exe), "worker")
}
