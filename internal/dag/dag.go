// Package dag holds the workflow graph: tasks, the files connecting them,
// and the state machines for both. It is pure data plus consistency
// queries; all mutation during a run is driven by the engine.
package dag

import (
	"fmt"
	"sort"
)

// Dag owns the full set of nodes and files for one workflow run.
type Dag struct {
	nodes map[int]*Node
	files map[string]*File
}

// New creates an empty graph.
func New() *Dag {
	return &Dag{
		nodes: make(map[int]*Node),
		files: make(map[string]*File),
	}
}

// AddNode registers a node. Duplicate ids are a fatal build error.
func (d *Dag) AddNode(n *Node) error {
	if _, ok := d.nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node id %d", n.ID)
	}
	d.nodes[n.ID] = n
	return nil
}

// AddFile registers a file under its path. Registering the same path twice
// returns the existing file so nodes share one File per path.
func (d *Dag) AddFile(name string) *File {
	if f, ok := d.files[name]; ok {
		return f
	}
	f := NewFile(name)
	d.files[name] = f
	return f
}

// Node returns the node with the given id, or nil.
func (d *Dag) Node(id int) *Node {
	return d.nodes[id]
}

// File returns the file with the given path, or nil.
func (d *Dag) File(name string) *File {
	return d.files[name]
}

// Nodes returns all nodes in ascending id order.
func (d *Dag) Nodes() []*Node {
	ids := make([]int, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, d.nodes[id])
	}
	return nodes
}

// Files returns all files in lexical path order.
func (d *Dag) Files() []*File {
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	files := make([]*File, 0, len(names))
	for _, name := range names {
		files = append(files, d.files[name])
	}
	return files
}

// Link records that node n consumes inputs and produces outputs, keeping the
// node→file and file→node relations mutually consistent. A second producer
// for the same file is a fatal build error.
func (d *Dag) Link(n *Node, inputs, outputs []string) error {
	for _, name := range inputs {
		f := d.AddFile(name)
		f.addConsumer(n)
		n.Inputs = append(n.Inputs, f)
	}
	for _, name := range outputs {
		f := d.AddFile(name)
		if f.Producer != nil && f.Producer != n {
			return fmt.Errorf("file %s produced by both node %d and node %d", name, f.Producer.ID, n.ID)
		}
		f.Producer = n
		n.Outputs = append(n.Outputs, f)
	}
	return nil
}

// Check validates the mutual consistency of the graph and rejects cycles.
// Any error here is a configuration error, detected before the dispatch
// loop starts and never recovered.
func (d *Dag) Check() error {
	for _, n := range d.nodes {
		for _, f := range n.Outputs {
			if f.Producer != n {
				return fmt.Errorf("node %d lists output %s but file records producer %v", n.ID, f.Name, producerID(f))
			}
			if d.files[f.Name] != f {
				return fmt.Errorf("node %d output %s not registered in graph", n.ID, f.Name)
			}
		}
		for _, f := range n.Inputs {
			if d.files[f.Name] != f {
				return fmt.Errorf("node %d input %s not registered in graph", n.ID, f.Name)
			}
			if !hasConsumer(f, n) {
				return fmt.Errorf("node %d lists input %s but file does not record it as consumer", n.ID, f.Name)
			}
		}
	}
	for _, f := range d.files {
		if f.Producer != nil {
			if d.nodes[f.Producer.ID] != f.Producer {
				return fmt.Errorf("file %s produced by unregistered node %d", f.Name, f.Producer.ID)
			}
			if !hasOutput(f.Producer, f) {
				return fmt.Errorf("file %s records producer %d which does not list it as output", f.Name, f.Producer.ID)
			}
		}
		for _, c := range f.Consumers {
			if d.nodes[c.ID] != c {
				return fmt.Errorf("file %s consumed by unregistered node %d", f.Name, c.ID)
			}
		}
	}
	return d.checkAcyclic()
}

// checkAcyclic walks producer → consumer edges looking for a cycle.
func (d *Dag) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int]int, len(d.nodes))

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch state[n.ID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected through node %d", n.ID)
		}
		state[n.ID] = visiting
		for _, f := range n.Outputs {
			for _, c := range f.Consumers {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		state[n.ID] = done
		return nil
	}

	for _, n := range d.Nodes() {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// NodesReady returns the waiting nodes whose every input file is available,
// in ascending id order. The order is the documented tie-break among
// simultaneously ready nodes and must stay stable for reproducibility.
func (d *Dag) NodesReady() []*Node {
	var ready []*Node
	for _, n := range d.Nodes() {
		if n.State == NodeWaiting && n.InputsAvailable() {
			ready = append(ready, n)
		}
	}
	return ready
}

// Remaining reports whether any node is still waiting or running.
func (d *Dag) Remaining() bool {
	for _, n := range d.nodes {
		if n.State == NodeWaiting || n.State == NodeRunning {
			return true
		}
	}
	return false
}

// Failed reports whether any node ended in the failed state.
func (d *Dag) Failed() bool {
	for _, n := range d.nodes {
		if n.State == NodeFailed {
			return true
		}
	}
	return false
}

// Dependents returns every node that transitively consumes any output of n.
func (d *Dag) Dependents(n *Node) []*Node {
	seen := make(map[int]bool)
	var out []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		for _, f := range n.Outputs {
			for _, c := range f.Consumers {
				if !seen[c.ID] {
					seen[c.ID] = true
					out = append(out, c)
					visit(c)
				}
			}
		}
	}
	visit(n)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func producerID(f *File) interface{} {
	if f.Producer == nil {
		return nil
	}
	return f.Producer.ID
}

func hasConsumer(f *File, n *Node) bool {
	for _, c := range f.Consumers {
		if c == n {
			return true
		}
	}
	return false
}

func hasOutput(n *Node, f *File) bool {
	for _, o := range n.Outputs {
		if o == f {
			return true
		}
	}
	return false
}
