// Package monitor is a built-in extension module that exports run progress
// as Prometheus metrics. It observes lifecycle events through the hook
// contract only; the engine has no reference to it.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/cascade/internal/batch"
	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/hook"
)

// Hook counts submissions, completions, failures, and reclaimed files.
// Register it like any other module.
type Hook struct {
	hook.NopHook

	submitted prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cleaned   prometheus.Counter
}

// New creates the module and registers its collectors with reg.
func New(reg prometheus.Registerer) *Hook {
	factory := promauto.With(reg)
	return &Hook{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cascade_nodes_submitted_total",
			Help: "Node submissions handed to a backend, including retries.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cascade_nodes_completed_total",
			Help: "Nodes that finished successfully with verified outputs.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cascade_nodes_failed_total",
			Help: "Node failures, counting each failed attempt.",
		}),
		cleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "cascade_files_deleted_total",
			Help: "Intermediate files reclaimed by the garbage collector.",
		}),
	}
}

func (h *Hook) Name() string { return "monitor" }

func (h *Hook) NodeSubmit(n *dag.Node, q batch.Queue) error {
	h.submitted.Inc()
	return nil
}

func (h *Hook) NodeSuccess(n *dag.Node, info *batch.JobInfo) error {
	h.completed.Inc()
	return nil
}

func (h *Hook) NodeFail(n *dag.Node, info *batch.JobInfo) error {
	h.failed.Inc()
	return nil
}

func (h *Hook) FileDeleted(f *dag.File) error {
	h.cleaned.Inc()
	return nil
}
