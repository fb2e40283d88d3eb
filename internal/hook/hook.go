// Package hook defines the extension contract of the engine. Extension
// modules implement Hook (usually by embedding NopHook and overriding a
// sparse subset of events) and are dispatched by a Registry in registration
// order around every lifecycle transition.
package hook

import (
	"github.com/msageha/cascade/internal/batch"
	"github.com/msageha/cascade/internal/dag"
)

// Hook is the full capability set of lifecycle callbacks. A nil error means
// the module accepts the transition. Any non-nil error is fail-fast: later
// modules are not invoked and the engine aborts the run, with two documented
// exceptions. A NodeCheck error is a veto: the node stays waiting and is
// reconsidered on a later iteration. A DagLoop error is a stop request: the
// loop exits once no jobs are outstanding.
type Hook interface {
	// Name identifies the module in logs and error messages.
	Name() string

	// Create is the initializing call, dispatched once before the graph is
	// touched, with the module arguments from configuration.
	Create(args map[string]any) error
	// Destroy is dispatched once as the engine shuts down.
	Destroy(d *dag.Dag) error

	DagInit(d *dag.Dag) error
	DagCheck(d *dag.Dag) error
	DagClean(d *dag.Dag) error
	DagStart(d *dag.Dag) error
	DagLoop(d *dag.Dag) error
	DagEnd(d *dag.Dag) error
	DagFail(d *dag.Dag) error
	DagAbort(d *dag.Dag) error

	NodeCreate(n *dag.Node, q batch.Queue) error
	NodeCheck(n *dag.Node, q batch.Queue) error
	NodeSubmit(n *dag.Node, q batch.Queue) error
	NodeEnd(n *dag.Node, info *batch.JobInfo) error
	NodeSuccess(n *dag.Node, info *batch.JobInfo) error
	NodeFail(n *dag.Node, info *batch.JobInfo) error
	NodeAbort(n *dag.Node) error

	BatchSubmit(q batch.Queue) error
	BatchRetrieve(q batch.Queue) error

	FileCreate(f *dag.File) error
	FileExpect(f *dag.File) error
	FileExist(f *dag.File) error
	FileComplete(f *dag.File) error
	FileClean(f *dag.File) error
	FileDeleted(f *dag.File) error
}

// NopHook implements every Hook event as a no-op. Modules embed it and
// override only the events they care about.
type NopHook struct{}

func (NopHook) Name() string                                   { return "nop" }
func (NopHook) Create(args map[string]any) error               { return nil }
func (NopHook) Destroy(d *dag.Dag) error                       { return nil }
func (NopHook) DagInit(d *dag.Dag) error                       { return nil }
func (NopHook) DagCheck(d *dag.Dag) error                      { return nil }
func (NopHook) DagClean(d *dag.Dag) error                      { return nil }
func (NopHook) DagStart(d *dag.Dag) error                      { return nil }
func (NopHook) DagLoop(d *dag.Dag) error                       { return nil }
func (NopHook) DagEnd(d *dag.Dag) error                        { return nil }
func (NopHook) DagFail(d *dag.Dag) error                       { return nil }
func (NopHook) DagAbort(d *dag.Dag) error                      { return nil }
func (NopHook) NodeCreate(n *dag.Node, q batch.Queue) error    { return nil }
func (NopHook) NodeCheck(n *dag.Node, q batch.Queue) error     { return nil }
func (NopHook) NodeSubmit(n *dag.Node, q batch.Queue) error    { return nil }
func (NopHook) NodeEnd(n *dag.Node, info *batch.JobInfo) error { return nil }
func (NopHook) NodeSuccess(n *dag.Node, info *batch.JobInfo) error {
	return nil
}
func (NopHook) NodeFail(n *dag.Node, info *batch.JobInfo) error { return nil }
func (NopHook) NodeAbort(n *dag.Node) error                     { return nil }
func (NopHook) BatchSubmit(q batch.Queue) error                 { return nil }
func (NopHook) BatchRetrieve(q batch.Queue) error               { return nil }
func (NopHook) FileCreate(f *dag.File) error                    { return nil }
func (NopHook) FileExpect(f *dag.File) error                    { return nil }
func (NopHook) FileExist(f *dag.File) error                     { return nil }
func (NopHook) FileComplete(f *dag.File) error                  { return nil }
func (NopHook) FileClean(f *dag.File) error                     { return nil }
func (NopHook) FileDeleted(f *dag.File) error                   { return nil }
