// Package metrics exposes engine throughput counters as Prometheus
// collectors.
package metrics

import (
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics aggregates the supervisor-side collectors. A nil
// *EngineMetrics is valid and records nothing, so metrics stay
// optional wiring.
type EngineMetrics struct {
	tasksMerged     prom.Counter
	workersReplaced prom.Counter
	missedPolls     prom.Counter
	pendingTasks    prom.Gauge
}

// NewEngineMetrics creates and registers the engine collectors.
func NewEngineMetrics(namespace string, reg prom.Registerer) (*EngineMetrics, error) {
	if namespace == "" {
		namespace = "extract_engine"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	m := &EngineMetrics{
		tasksMerged: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_merged_total",
			Help:      "Total number of task storage segments merged into the aggregate store.",
		}),
		workersReplaced: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workers_replaced_total",
			Help:      "Total number of workers terminated and replaced by the supervisor.",
		}),
		missedPolls: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "missed_status_polls_total",
			Help:      "Total number of status polls that returned no data.",
		}),
		pendingTasks: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Number of dispatched tasks not yet merged.",
		}),
	}

	for _, c := range []prom.Collector{m.tasksMerged, m.workersReplaced, m.missedPolls, m.pendingTasks} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register engine collector")
		}
	}
	return m, nil
}

// TaskMerged records one merged segment.
func (m *EngineMetrics) TaskMerged() {
	if m == nil {
		return
	}
	m.tasksMerged.Inc()
}

// WorkerReplaced records one replacement.
func (m *EngineMetrics) WorkerReplaced() {
	if m == nil {
		return
	}
	m.workersReplaced.Inc()
}

// MissedPoll records one status poll without data.
func (m *EngineMetrics) MissedPoll() {
	if m == nil {
		return
	}
	m.missedPolls.Inc()
}

// SetPendingTasks tracks the pending-task count.
func (m *EngineMetrics) SetPendingTasks(n int) {
	if m == nil {
		return
	}
	m.pendingTasks.Set(float64(n))
}
