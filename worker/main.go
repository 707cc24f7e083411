// Command worker is the extraction worker binary. It is spawned by the
// engine, wired to its session through environment variables: it pulls
// tasks from the engine's loopback queue, writes task-scoped storage
// segments into the shared session directory and publishes its status
// port for the supervisor to poll.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dev.forensix.extract-engine/internal/adapters/extractor"
	"dev.forensix.extract-engine/internal/adapters/logger"
	"dev.forensix.extract-engine/internal/adapters/process"
	"dev.forensix.extract-engine/internal/adapters/queue"
	"dev.forensix.extract-engine/internal/adapters/store"
	"dev.forensix.extract-engine/internal/adapters/worker"
	"dev.forensix.extract-engine/internal/core/ports"
)

// EnvExtractor optionally selects a registered extractor by name.
const EnvExtractor = "EXTRACT_EXTRACTOR"

func main() {
	zl, err := logger.NewZapLogger()
	if err != nil {
		os.Exit(1)
	}
	var log ports.Logger = zl

	identifier := os.Getenv(process.EnvWorkerID)
	session := os.Getenv(process.EnvSessionID)
	storageDir := os.Getenv(process.EnvStorageDir)
	portFile := os.Getenv(process.EnvRPCPortFile)
	queuePort, convErr := strconv.Atoi(os.Getenv(process.EnvQueuePort))
	if identifier == "" || storageDir == "" || convErr != nil || queuePort <= 0 {
		log.Fatal("incomplete worker environment",
			"identifier", identifier, "storage_dir", storageDir,
			"queue_port", os.Getenv(process.EnvQueuePort))
	}
	log = log.With("worker", identifier)

	q, err := queue.NewSocketQueue(queue.SocketOptions{
		Direction: queue.PullOnly,
		Mode:      queue.Connect,
		Port:      queuePort,
	}, log)
	if err != nil {
		log.Fatal("failed to connect task queue", "port", queuePort, "error", err)
	}

	storage, err := store.NewFileStore(storageDir)
	if err != nil {
		log.Fatal("failed to open session storage", "dir", storageDir, "error", err)
	}

	registry := extractor.NewRegistry()
	if err := extractor.RegisterBuiltins(registry); err != nil {
		log.Fatal("failed to register extractors", "error", err)
	}
	name := os.Getenv(EnvExtractor)
	if name == "" {
		name = extractor.FileStatName
	}
	ext, err := registry.Get(name)
	if err != nil {
		log.Fatal("unknown extractor", "name", name, "error", err)
	}

	runtime := worker.New(identifier, session, q, storage, ext, portFile, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("termination signal received")
		runtime.SignalAbort()
	}()

	if err := runtime.Run(ctx); err != nil {
		log.Error("worker loop failed", "error", err)
		os.Exit(1)
	}
}
