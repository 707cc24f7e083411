package metrics

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := NewEngineMetrics("test", reg)
	require.NoError(t, err)

	m.TaskMerged()
	m.TaskMerged()
	m.WorkerReplaced()
	m.MissedPoll()
	m.SetPendingTasks(4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.tasksMerged))
	require.Equal(t, 1.0, testutil.ToFloat64(m.workersReplaced))
	require.Equal(t, 1.0, testutil.ToFloat64(m.missedPolls))
	require.Equal(t, 4.0, testutil.ToFloat64(m.pendingTasks))
}

func TestEngineMetricsNilReceiver(t *testing.T) {
	var m *EngineMetrics
	require.NotPanics(t, func() {
		m.TaskMerged()
		m.WorkerReplaced()
		m.MissedPoll()
		m.SetPendingTasks(1)
	})
}

func TestEngineMetricsDoubleRegistration(t *testing.T) {
	reg := prom.NewRegistry()
	_, err := NewEngineMetrics("dup", reg)
	require.NoError(t, err)
	_, err = NewEngineMetrics("dup", reg)
	require.Error(t, err)
}
