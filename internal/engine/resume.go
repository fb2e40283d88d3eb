package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/runlog"
)

// Resume restores node and file states from the workflow's runlog so a
// previously interrupted run picks up where it left off. Call before Run.
//
// A node recorded complete stays complete only if each of its outputs is
// either still on disk or was legitimately reclaimed (all consumers also
// complete). Demotions cascade: a re-running consumer needs its inputs
// back, so a producer whose outputs were reclaimed re-runs too. Running,
// failed, and aborted nodes always re-run, failed ones keeping their
// attempt count. File states are re-derived from the surviving node states
// rather than trusted from the log.
func (e *Engine) Resume() error {
	snap, err := runlog.Replay(filepath.Join(e.workDir, RunlogName))
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if len(snap.Nodes) == 0 {
		return nil
	}

	complete := make(map[int]bool)
	for _, n := range e.d.Nodes() {
		rec, ok := snap.Nodes[n.ID]
		if !ok {
			continue
		}
		switch rec.State {
		case dag.NodeComplete:
			complete[n.ID] = true
		case dag.NodeFailed:
			n.FailedAttempts = rec.Attempts
		}
	}

	onDisk := func(f *dag.File) bool {
		_, err := os.Stat(e.path(f.Name))
		return err == nil
	}
	reclaimable := func(f *dag.File) bool {
		if f.Deliverable || len(f.Consumers) == 0 {
			return false
		}
		for _, c := range f.Consumers {
			if !complete[c.ID] {
				return false
			}
		}
		return true
	}

	// Demote until stable: every surviving complete node must be able to
	// account for each of its outputs.
	for changed := true; changed; {
		changed = false
		for id := range complete {
			n := e.d.Node(id)
			for _, f := range n.Outputs {
				if onDisk(f) || reclaimable(f) {
					continue
				}
				delete(complete, id)
				changed = true
				break
			}
		}
	}

	for id := range complete {
		n := e.d.Node(id)
		n.State = dag.NodeComplete
		for _, f := range n.Outputs {
			if onDisk(f) {
				f.State = dag.FileExist
			} else {
				f.State = dag.FileDeleted
			}
		}
	}

	e.log(LogLevelInfo, "resume restored=%d of %d recorded nodes", len(complete), len(snap.Nodes))
	return nil
}
