// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's prometheus collectors.
type Metrics struct {
	TasksDispatched *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	TasksExecuting  *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
}

// New creates the collectors and registers them with the given registerer.
// A nil registerer falls back to the default prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker, by group.",
		}, []string{"group"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		TasksExecuting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "tasks_executing",
			Help:      "Leaf tasks currently holding a group slot, by group.",
		}, []string{"group"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "queue_depth",
			Help:      "Live entries across all group queues.",
		}),
	}

	reg.MustRegister(m.TasksDispatched, m.TasksFinished, m.TasksExecuting, m.QueueDepth)
	return m
}

// Dispatched records a dequeue handed to a worker.
func (m *Metrics) Dispatched(group string) {
	if m == nil {
		return
	}
	m.TasksDispatched.WithLabelValues(group).Inc()
}

// Finished records a terminal transition.
func (m *Metrics) Finished(state string) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(state).Inc()
}

// ExecutingDelta moves the per-group executing gauge.
func (m *Metrics) ExecutingDelta(group string, delta float64) {
	if m == nil {
		return
	}
	m.TasksExecuting.WithLabelValues(group).Add(delta)
}

// SetQueueDepth records the live queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
