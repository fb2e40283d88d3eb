package dag

import "fmt"

// NodeState is the execution state of a single task.
type NodeState string

const (
	// NodeCreated is the transient state set once at graph build.
	NodeCreated NodeState = "created"
	// NodeWaiting means the node is eligible for consideration but has not
	// been submitted; it persists until every input file is available.
	NodeWaiting NodeState = "waiting"
	// NodeRunning means the node has been accepted by a backend.
	NodeRunning NodeState = "running"
	// NodeComplete means the node finished with exit status zero and its
	// outputs were verified.
	NodeComplete NodeState = "complete"
	// NodeFailed means the node exited nonzero, failed verification, or
	// inherited failure from an upstream node.
	NodeFailed NodeState = "failed"
	// NodeAborted means the node was cancelled by an external interrupt.
	NodeAborted NodeState = "aborted"
)

// Terminal reports whether no further transitions can occur from s, aside
// from failed → waiting which is only legal while retry budget remains.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeComplete, NodeFailed, NodeAborted:
		return true
	}
	return false
}

var validNodeTransitions = map[NodeState]map[NodeState]bool{
	NodeCreated: {
		NodeWaiting: true,
	},
	NodeWaiting: {
		NodeRunning: true,
		NodeFailed:  true, // upstream failure propagation, never submitted
		NodeAborted: true,
	},
	NodeRunning: {
		NodeComplete: true,
		NodeFailed:   true,
		NodeAborted:  true,
	},
	NodeFailed: {
		NodeWaiting: true, // retry, gated by the engine's retry budget
	},
}

// ValidNodeTransition reports whether from → to is a legal node transition.
func ValidNodeTransition(from, to NodeState) bool {
	return validNodeTransitions[from][to]
}

// Resources carries per-node resource hints forwarded to the backend.
// Zero values mean "backend default".
type Resources struct {
	Cores    int `yaml:"cores,omitempty"`
	MemoryMB int `yaml:"memory_mb,omitempty"`
	DiskMB   int `yaml:"disk_mb,omitempty"`
}

// Node is a single task in the workflow graph.
type Node struct {
	ID      int
	Command string

	// Inputs are files the node depends on but does not own.
	Inputs []*File
	// Outputs are files the node exclusively produces.
	Outputs []*File

	State NodeState

	// FailedAttempts counts prior failed attempts, both execution failures
	// and submission failures that consumed an attempt.
	FailedAttempts int

	// Queue names the backend the node is bound to ("local" by default).
	Queue string

	Resources Resources
}

// NewNode creates a node in the created state bound to the local queue.
func NewNode(id int, command string) *Node {
	return &Node{
		ID:      id,
		Command: command,
		State:   NodeCreated,
		Queue:   QueueLocal,
	}
}

// QueueLocal is the default backend binding for nodes.
const QueueLocal = "local"

// Transition moves the node to state to, rejecting illegal transitions.
func (n *Node) Transition(to NodeState) error {
	if n.State == to {
		return nil
	}
	if !ValidNodeTransition(n.State, to) {
		return fmt.Errorf("node %d: invalid transition %s -> %s", n.ID, n.State, to)
	}
	n.State = to
	return nil
}

// InputsAvailable reports whether every input file can satisfy the node.
func (n *Node) InputsAvailable() bool {
	for _, f := range n.Inputs {
		if !f.Available() {
			return false
		}
	}
	return true
}
