package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

const (
	serviceName  = "forensix.worker.StatusService"
	statusMethod = "/" + serviceName + "/GetStatus"

	portRangeLow  = 1024
	portRangeHigh = 60000
	// maxPortAttempts is how many random candidates are tried after the
	// pid-derived port.
	maxPortAttempts = 32
)

// StatusRequest is the (empty) poll request.
type StatusRequest struct{}

// StatusReporter produces a fresh status snapshot per poll.
type StatusReporter interface {
	CurrentStatus() domain.WorkerStatus
}

// statusHandler is the service contract behind the ServiceDesc.
type statusHandler interface {
	GetStatus(ctx context.Context, req *StatusRequest) (*domain.WorkerStatus, error)
}

var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*statusHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forensix/worker/status",
}

func getStatusHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(StatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(statusHandler).GetStatus(ctx, req)
}

// StatusServer serves one worker's status over loopback gRPC on a
// dedicated goroutine, so the worker main loop is never blocked by RPC
// traffic.
type StatusServer struct {
	reporter StatusReporter
	portFile string
	logger   ports.Logger

	server *grpc.Server
	port   atomic.Int64
}

// NewStatusServer creates a status server for the reporter. When
// portFile is non-empty the bound port is additionally published
// through that file for an out-of-process supervisor.
func NewStatusServer(reporter StatusReporter, portFile string, logger ports.Logger) *StatusServer {
	return &StatusServer{
		reporter: reporter,
		portFile: portFile,
		logger:   logger.With("component", "status_server"),
	}
}

// Start binds a candidate port and begins serving. The pid-derived
// port is tried first, then random ports in [1024,60000). Exhausting
// all candidates leaves the port unpublished (0) and returns an error
// the caller logs as a non-fatal server-start failure.
func (s *StatusServer) Start(pid int) error {
	for _, candidate := range candidatePorts(pid) {
		lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", candidate))
		if err != nil {
			continue
		}

		s.server = grpc.NewServer()
		s.server.RegisterService(&statusServiceDesc, s)
		s.port.Store(int64(candidate))

		if s.portFile != "" {
			if err := publishPortFile(s.portFile, candidate); err != nil {
				s.logger.Warn("failed to publish rpc port file", "error", err)
			}
		}

		go func() {
			if err := s.server.Serve(lis); err != nil {
				s.logger.Debug("status server stopped", "error", err)
			}
		}()

		s.logger.Debug("status server listening", "port", candidate)
		return nil
	}
	return errors.Errorf("no free status port after %d attempts", maxPortAttempts+1)
}

// Port returns the published port, 0 when the server never started.
func (s *StatusServer) Port() int {
	return int(s.port.Load())
}

// Stop tears the server down.
func (s *StatusServer) Stop() {
	if s.server != nil {
		s.server.Stop()
	}
	if s.portFile != "" {
		_ = os.Remove(s.portFile)
	}
}

// GetStatus implements the single remote operation.
func (s *StatusServer) GetStatus(_ context.Context, _ *StatusRequest) (*domain.WorkerStatus, error) {
	status := s.reporter.CurrentStatus()
	return &status, nil
}

// candidatePorts yields the pid-derived candidate first, then random
// ports within the allowed range.
func candidatePorts(pid int) []int {
	candidates := make([]int, 0, maxPortAttempts+1)
	if pid >= portRangeLow && pid < portRangeHigh {
		candidates = append(candidates, pid)
	}
	for i := 0; i < maxPortAttempts; i++ {
		candidates = append(candidates, portRangeLow+rand.Intn(portRangeHigh-portRangeLow))
	}
	return candidates
}

// publishPortFile writes the port atomically so a concurrent reader
// never observes a partial write.
func publishPortFile(path string, port int) error {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(port)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
