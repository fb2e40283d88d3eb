package dag

// Analysis queries used by the companion tool. They are pure reads over a
// built graph and assume Check has already passed.

// TaskCount returns the number of nodes in the graph.
func (d *Dag) TaskCount() int {
	return len(d.nodes)
}

// levels assigns each node the length of the longest producer chain above
// it: nodes with only source inputs are level 1.
func (d *Dag) levels() map[int]int {
	levels := make(map[int]int, len(d.nodes))
	var level func(n *Node) int
	level = func(n *Node) int {
		if l, ok := levels[n.ID]; ok {
			return l
		}
		max := 0
		for _, f := range n.Inputs {
			if f.Producer == nil {
				continue
			}
			if l := level(f.Producer); l > max {
				max = l
			}
		}
		levels[n.ID] = max + 1
		return max + 1
	}
	for _, n := range d.nodes {
		level(n)
	}
	return levels
}

// Depth returns the longest chain of dependent tasks in the graph.
func (d *Dag) Depth() int {
	max := 0
	for _, l := range d.levels() {
		if l > max {
			max = l
		}
	}
	return max
}

// Width returns the largest number of tasks sharing one dependency level,
// the number of tasks that could run concurrently if every task took
// uniform time.
func (d *Dag) Width() int {
	counts := make(map[int]int)
	for _, l := range d.levels() {
		counts[l]++
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return max
}

// InputFiles returns the source files of the graph: files consumed by some
// node but produced by none, in lexical order.
func (d *Dag) InputFiles() []*File {
	var out []*File
	for _, f := range d.Files() {
		if f.Producer == nil && len(f.Consumers) > 0 {
			out = append(out, f)
		}
	}
	return out
}

// OutputFiles returns every file produced by a node, in lexical order.
func (d *Dag) OutputFiles() []*File {
	var out []*File
	for _, f := range d.Files() {
		if f.Producer != nil {
			out = append(out, f)
		}
	}
	return out
}
