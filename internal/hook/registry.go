package hook

import (
	"fmt"

	"github.com/msageha/cascade/internal/batch"
	"github.com/msageha/cascade/internal/dag"
)

// Registry holds the ordered list of registered extension modules. The
// order is significant: every dispatch walks the modules in registration
// order and stops at the first failure. The registry itself is stateless
// beyond the module list, which is immutable once the run begins.
type Registry struct {
	hooks []Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a module. Must not be called after the run begins.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.hooks)
}

// dispatch walks every module in order and stops at the first failure,
// wrapping it with the module name and event for the caller.
func (r *Registry) dispatch(event string, fn func(Hook) error) error {
	for _, h := range r.hooks {
		if err := fn(h); err != nil {
			return fmt.Errorf("hook %s: %s: %w", h.Name(), event, err)
		}
	}
	return nil
}

func (r *Registry) Create(args map[string]any) error {
	return r.dispatch("create", func(h Hook) error { return h.Create(args) })
}

func (r *Registry) Destroy(d *dag.Dag) error {
	return r.dispatch("destroy", func(h Hook) error { return h.Destroy(d) })
}

func (r *Registry) DagInit(d *dag.Dag) error {
	return r.dispatch("dag_init", func(h Hook) error { return h.DagInit(d) })
}

func (r *Registry) DagCheck(d *dag.Dag) error {
	return r.dispatch("dag_check", func(h Hook) error { return h.DagCheck(d) })
}

func (r *Registry) DagClean(d *dag.Dag) error {
	return r.dispatch("dag_clean", func(h Hook) error { return h.DagClean(d) })
}

func (r *Registry) DagStart(d *dag.Dag) error {
	return r.dispatch("dag_start", func(h Hook) error { return h.DagStart(d) })
}

func (r *Registry) DagLoop(d *dag.Dag) error {
	return r.dispatch("dag_loop", func(h Hook) error { return h.DagLoop(d) })
}

func (r *Registry) DagEnd(d *dag.Dag) error {
	return r.dispatch("dag_end", func(h Hook) error { return h.DagEnd(d) })
}

func (r *Registry) DagFail(d *dag.Dag) error {
	return r.dispatch("dag_fail", func(h Hook) error { return h.DagFail(d) })
}

func (r *Registry) DagAbort(d *dag.Dag) error {
	return r.dispatch("dag_abort", func(h Hook) error { return h.DagAbort(d) })
}

func (r *Registry) NodeCreate(n *dag.Node, q batch.Queue) error {
	return r.dispatch("node_create", func(h Hook) error { return h.NodeCreate(n, q) })
}

func (r *Registry) NodeCheck(n *dag.Node, q batch.Queue) error {
	return r.dispatch("node_check", func(h Hook) error { return h.NodeCheck(n, q) })
}

func (r *Registry) NodeSubmit(n *dag.Node, q batch.Queue) error {
	return r.dispatch("node_submit", func(h Hook) error { return h.NodeSubmit(n, q) })
}

func (r *Registry) NodeEnd(n *dag.Node, info *batch.JobInfo) error {
	return r.dispatch("node_end", func(h Hook) error { return h.NodeEnd(n, info) })
}

func (r *Registry) NodeSuccess(n *dag.Node, info *batch.JobInfo) error {
	return r.dispatch("node_success", func(h Hook) error { return h.NodeSuccess(n, info) })
}

func (r *Registry) NodeFail(n *dag.Node, info *batch.JobInfo) error {
	return r.dispatch("node_fail", func(h Hook) error { return h.NodeFail(n, info) })
}

func (r *Registry) NodeAbort(n *dag.Node) error {
	return r.dispatch("node_abort", func(h Hook) error { return h.NodeAbort(n) })
}

func (r *Registry) BatchSubmit(q batch.Queue) error {
	return r.dispatch("batch_submit", func(h Hook) error { return h.BatchSubmit(q) })
}

func (r *Registry) BatchRetrieve(q batch.Queue) error {
	return r.dispatch("batch_retrieve", func(h Hook) error { return h.BatchRetrieve(q) })
}

func (r *Registry) FileCreate(f *dag.File) error {
	return r.dispatch("file_create", func(h Hook) error { return h.FileCreate(f) })
}

func (r *Registry) FileExpect(f *dag.File) error {
	return r.dispatch("file_expect", func(h Hook) error { return h.FileExpect(f) })
}

func (r *Registry) FileExist(f *dag.File) error {
	return r.dispatch("file_exist", func(h Hook) error { return h.FileExist(f) })
}

func (r *Registry) FileComplete(f *dag.File) error {
	return r.dispatch("file_complete", func(h Hook) error { return h.FileComplete(f) })
}

func (r *Registry) FileClean(f *dag.File) error {
	return r.dispatch("file_clean", func(h Hook) error { return h.FileClean(f) })
}

func (r *Registry) FileDeleted(f *dag.File) error {
	return r.dispatch("file_deleted", func(h Hook) error { return h.FileDeleted(f) })
}
