package rpc

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.forensix.extract-engine/internal/adapters/logger"
	"dev.forensix.extract-engine/internal/core/domain"
)

type staticReporter struct {
	status domain.WorkerStatus
}

func (r *staticReporter) CurrentStatus() domain.WorkerStatus {
	return r.status
}

func TestStatusRoundTrip(t *testing.T) {
	reporter := &staticReporter{status: domain.WorkerStatus{
		Identifier:      "worker-01",
		PID:             4242,
		State:           domain.StateRunning,
		TaskIdentifier:  "task-1",
		ConsumedSources: 3,
		ProducedEvents:  17,
		Timestamp:       time.Now().UTC(),
	}}

	server := NewStatusServer(reporter, "", logger.NewNopLogger())
	require.NoError(t, server.Start(os.Getpid()))
	defer server.Stop()
	require.Greater(t, server.Port(), 0)

	client := NewClient(server.Port(), time.Second, logger.NewNopLogger())
	defer client.Close()

	status := client.GetStatus(context.Background())
	require.NotNil(t, status)
	require.Equal(t, "worker-01", status.Identifier)
	require.Equal(t, domain.StateRunning, status.State)
	require.Equal(t, "task-1", status.TaskIdentifier)
	require.EqualValues(t, 3, status.ConsumedSources)
	require.EqualValues(t, 17, status.ProducedEvents)
}

func TestGetStatusReturnsNilOnFailure(t *testing.T) {
	t.Run("Unreachable Port", func(t *testing.T) {
		client := NewClient(1, 200*time.Millisecond, logger.NewNopLogger())
		defer client.Close()
		require.Nil(t, client.GetStatus(context.Background()))
	})

	t.Run("Stopped Server", func(t *testing.T) {
		server := NewStatusServer(&staticReporter{}, "", logger.NewNopLogger())
		require.NoError(t, server.Start(os.Getpid()))
		port := server.Port()
		server.Stop()

		client := NewClient(port, 200*time.Millisecond, logger.NewNopLogger())
		defer client.Close()
		require.Nil(t, client.GetStatus(context.Background()))
	})
}

func TestPortFilePublication(t *testing.T) {
	portFile := filepath.Join(t.TempDir(), "rpc-worker-01.port")

	server := NewStatusServer(&staticReporter{}, portFile, logger.NewNopLogger())
	require.NoError(t, server.Start(os.Getpid()))

	data, err := os.ReadFile(portFile)
	require.NoError(t, err)
	published, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, server.Port(), published)

	server.Stop()
	_, err = os.Stat(portFile)
	require.True(t, os.IsNotExist(err), "stop must remove the port file")
}

func TestCandidatePorts(t *testing.T) {
	t.Run("Pid Derived Port First", func(t *testing.T) {
		candidates := candidatePorts(5000)
		require.Equal(t, 5000, candidates[0])
		require.Len(t, candidates, maxPortAttempts+1)
	})

	t.Run("Out Of Range Pid Skipped", func(t *testing.T) {
		for _, pid := range []int{80, 70000} {
			for _, port := range candidatePorts(pid) {
				require.GreaterOrEqual(t, port, portRangeLow)
				require.Less(t, port, portRangeHigh)
			}
		}
	})
}
