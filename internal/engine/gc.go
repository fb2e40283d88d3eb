package engine

import (
	"os"

	"github.com/msageha/cascade/internal/dag"
)

// retireInputs re-examines n's input files after n reached a terminal
// state. An input whose consumers are all finished moves to complete and
// becomes eligible for the next sweep. Source inputs and deliverables are
// never retired.
func (e *Engine) retireInputs(n *dag.Node) error {
	for _, f := range n.Inputs {
		if f.IsSource() || f.Deliverable {
			continue
		}
		if f.State != dag.FileExist || f.RemainingConsumers() > 0 {
			continue
		}
		if err := e.reg.FileComplete(f); err != nil {
			return err
		}
		if err := f.Transition(dag.FileComplete); err != nil {
			return err
		}
		e.rlog.File(f)
	}
	return nil
}

// Sweep garbage-collects every file whose consumers are finished: complete
// files move to clean, clean files are removed from disk and move to
// deleted. A failed removal is logged and retried on the next sweep, never
// fatal. Re-sweeping deleted files is a no-op.
func (e *Engine) Sweep() error {
	for _, f := range e.d.Files() {
		if f.State == dag.FileComplete {
			if err := e.reg.FileClean(f); err != nil {
				return err
			}
			if err := f.Transition(dag.FileClean); err != nil {
				return err
			}
			e.rlog.File(f)
		}
		if f.State != dag.FileClean {
			continue
		}
		if err := os.Remove(e.path(f.Name)); err != nil && !os.IsNotExist(err) {
			e.log(LogLevelWarn, "gc remove failed file=%s err=%v, will retry", f.Name, err)
			continue
		}
		if err := e.reg.FileDeleted(f); err != nil {
			return err
		}
		if err := f.Transition(dag.FileDeleted); err != nil {
			return err
		}
		e.rlog.File(f)
		e.log(LogLevelDebug, "gc deleted file=%s", f.Name)
	}
	return nil
}

// Clean removes every produced file from disk along with the runlog,
// resetting the workflow directory. Used by the clean command, outside the
// dispatch loop.
func (e *Engine) Clean() error {
	if err := e.reg.DagClean(e.d); err != nil {
		return err
	}
	for _, f := range e.d.OutputFiles() {
		if err := os.Remove(e.path(f.Name)); err != nil {
			if !os.IsNotExist(err) {
				e.log(LogLevelWarn, "clean remove failed file=%s err=%v", f.Name, err)
			}
			continue
		}
		e.log(LogLevelInfo, "clean removed file=%s", f.Name)
	}
	if err := os.Remove(e.path(RunlogName)); err != nil && !os.IsNotExist(err) {
		e.log(LogLevelWarn, "clean remove runlog err=%v", err)
	}
	return nil
}
