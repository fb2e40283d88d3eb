// Package status summarizes the recorded state of a workflow directory
// without touching the run: lock ownership, per-node progress from the
// runlog, and file lifecycle counts.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/engine"
	"github.com/msageha/cascade/internal/lock"
	"github.com/msageha/cascade/internal/model"
	"github.com/msageha/cascade/internal/runlog"
)

type RunStatus struct {
	Lock  LockStatus     `json:"lock"`
	Nodes []NodeStatus   `json:"nodes"`
	Files map[string]int `json:"files,omitempty"`
}

type LockStatus struct {
	Active bool   `json:"active"`
	Pid    string `json:"pid,omitempty"`
}

type NodeStatus struct {
	ID       int    `json:"id"`
	Command  string `json:"command"`
	State    string `json:"state"`
	Attempts int    `json:"attempts,omitempty"`
}

// Run collects and prints the status of the workflow in dir.
func Run(dir, workflowPath string, jsonOutput bool) error {
	s, err := Collect(dir, workflowPath)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	printStatus(s)
	return nil
}

// Collect merges the workflow description with the runlog snapshot. Nodes
// with no recorded transitions report as pending.
func Collect(dir, workflowPath string) (*RunStatus, error) {
	w, err := model.LoadWorkflow(workflowPath)
	if err != nil {
		return nil, err
	}
	d, err := dag.Build(w)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	held, pid, err := lock.Probe(filepath.Join(dir, engine.LockName))
	if err != nil {
		return nil, err
	}

	snap, err := runlog.Replay(filepath.Join(dir, engine.RunlogName))
	if err != nil {
		return nil, err
	}

	s := &RunStatus{
		Lock:  LockStatus{Active: held, Pid: pid},
		Files: make(map[string]int),
	}

	for _, n := range d.Nodes() {
		ns := NodeStatus{ID: n.ID, Command: n.Command, State: "pending"}
		if rec, ok := snap.Nodes[n.ID]; ok {
			ns.State = string(rec.State)
			ns.Attempts = rec.Attempts
		}
		s.Nodes = append(s.Nodes, ns)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })

	for _, state := range snap.Files {
		s.Files[string(state)]++
	}
	return s, nil
}

func printStatus(s *RunStatus) {
	if s.Lock.Active {
		if s.Lock.Pid != "" {
			fmt.Printf("Run: active (pid %s)\n", s.Lock.Pid)
		} else {
			fmt.Println("Run: active")
		}
	} else {
		fmt.Println("Run: idle")
	}

	counts := make(map[string]int)
	for _, n := range s.Nodes {
		counts[n.State]++
	}
	fmt.Printf("\nNodes: %d total", len(s.Nodes))
	for _, state := range []string{"complete", "running", "waiting", "failed", "aborted", "pending"} {
		if counts[state] > 0 {
			fmt.Printf(", %d %s", counts[state], state)
		}
	}
	fmt.Println()

	fmt.Printf("\n  %4s  %-10s  %8s  %s\n", "NODE", "STATE", "ATTEMPTS", "COMMAND")
	for _, n := range s.Nodes {
		fmt.Printf("  %4d  %-10s  %8d  %s\n", n.ID, n.State, n.Attempts, n.Command)
	}

	if len(s.Files) > 0 {
		fmt.Println("\nFiles:")
		states := make([]string, 0, len(s.Files))
		for state := range s.Files {
			states = append(states, state)
		}
		sort.Strings(states)
		for _, state := range states {
			fmt.Printf("  %-10s  %d\n", state, s.Files[state])
		}
	}
}
