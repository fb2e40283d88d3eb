package dag

import "fmt"

// FileState is the lifecycle state of a file tracked by the engine.
type FileState string

const (
	// FileCreate is the initial state of a file registered during graph build.
	FileCreate FileState = "create"
	// FileExpect marks a file declared as an output of a node about to run.
	FileExpect FileState = "expect"
	// FileExist marks a file verified present on the backing store.
	FileExist FileState = "exist"
	// FileComplete marks a file whose consumers have all finished with it.
	FileComplete FileState = "complete"
	// FileClean marks a file selected for removal by the GC sweep.
	FileClean FileState = "clean"
	// FileDeleted marks a file successfully removed from disk.
	FileDeleted FileState = "deleted"
)

// validFileTransitions encodes create → expect → exist → complete → clean → deleted.
// exist → expect is legal so a retried node can re-invalidate its outputs
// before resubmission. Source inputs enter the graph directly at exist.
var validFileTransitions = map[FileState]map[FileState]bool{
	FileCreate: {
		FileExpect: true,
	},
	FileExpect: {
		FileExist: true,
	},
	FileExist: {
		FileComplete: true,
		FileExpect:   true,
	},
	FileComplete: {
		FileClean: true,
	},
	FileClean: {
		FileDeleted: true,
	},
}

// ValidFileTransition reports whether from → to is a legal file transition.
func ValidFileTransition(from, to FileState) bool {
	return validFileTransitions[from][to]
}

// File is a single file referenced by the workflow graph, identified by path.
type File struct {
	Name  string
	State FileState

	// Producer is the node that creates this file, or nil for a source
	// input supplied externally. Producer-less files are assumed to
	// pre-exist and are never awaited.
	Producer *Node

	// Consumers is the set of nodes that read this file, in the order
	// they were registered.
	Consumers []*Node

	// Deliverable files are final outputs and are never garbage-collected.
	Deliverable bool
}

// NewFile creates a file in the create state.
func NewFile(name string) *File {
	return &File{Name: name, State: FileCreate}
}

// Transition moves the file to state to, rejecting illegal transitions.
func (f *File) Transition(to FileState) error {
	if f.State == to {
		return nil
	}
	if !ValidFileTransition(f.State, to) {
		return fmt.Errorf("file %s: invalid transition %s -> %s", f.Name, f.State, to)
	}
	f.State = to
	return nil
}

// IsSource reports whether the file has no producer and is supplied externally.
func (f *File) IsSource() bool {
	return f.Producer == nil
}

// Available reports whether the file can satisfy a consumer right now.
func (f *File) Available() bool {
	return f.State == FileExist || f.State == FileComplete
}

// RemainingConsumers counts consumers that have not yet reached a terminal
// node state. A file is reclaimable once this reaches zero.
func (f *File) RemainingConsumers() int {
	remaining := 0
	for _, n := range f.Consumers {
		if !n.State.Terminal() {
			remaining++
		}
	}
	return remaining
}

func (f *File) addConsumer(n *Node) {
	for _, c := range f.Consumers {
		if c == n {
			return
		}
	}
	f.Consumers = append(f.Consumers, n)
}
