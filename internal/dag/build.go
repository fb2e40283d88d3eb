package dag

import (
	"fmt"

	"github.com/msageha/cascade/internal/model"
)

// Build constructs a graph from a structured workflow description. Every
// node starts in the created state; files start in create, except source
// inputs which are registered directly as exist since they are supplied
// externally and never awaited.
func Build(w *model.Workflow) (*Dag, error) {
	d := New()
	for _, r := range w.Rules {
		if len(r.Outputs) == 0 {
			return nil, fmt.Errorf("rule %d: no outputs", r.ID)
		}
		n := NewNode(r.ID, r.Command)
		if r.Queue != "" {
			n.Queue = r.Queue
		}
		n.Resources = Resources{
			Cores:    r.Resources.Cores,
			MemoryMB: r.Resources.MemoryMB,
			DiskMB:   r.Resources.DiskMB,
		}
		if err := d.AddNode(n); err != nil {
			return nil, err
		}
		if err := d.Link(n, r.Inputs, r.Outputs); err != nil {
			return nil, err
		}
	}
	for _, name := range w.Deliverables {
		f := d.File(name)
		if f == nil {
			return nil, fmt.Errorf("deliverable %s not referenced by any rule", name)
		}
		f.Deliverable = true
	}
	for _, f := range d.files {
		if f.IsSource() {
			f.State = FileExist
		}
	}
	if err := d.Check(); err != nil {
		return nil, err
	}
	return d, nil
}
