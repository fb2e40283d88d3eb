// Package runlog persists every node and file state transition as an
// append-only JSONL log next to the workflow. Replaying the log rebuilds
// per-node and per-file states so an interrupted run can resume.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/msageha/cascade/internal/dag"
)

// Dag-level events recorded in the log.
const (
	DagStarted = "started"
	DagEnded   = "ended"
	DagFailed  = "failed"
	DagAborted = "aborted"
)

// Entry is one logged transition.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Run       string    `json:"run_id"`
	Kind      string    `json:"kind"` // "dag", "node", or "file"
	Event     string    `json:"event,omitempty"`
	NodeID    int       `json:"node_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	File      string    `json:"file,omitempty"`
	State     string    `json:"state,omitempty"`
}

// Log appends transitions to a single file. Records are best effort: a
// write failure is remembered and surfaced by Close, never blocks the run.
type Log struct {
	mu    sync.Mutex
	file  *os.File
	w     *bufio.Writer
	runID string
	err   error
}

// Open appends to (or creates) the log at path under a fresh run id.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open runlog %s: %w", path, err)
	}
	return &Log{
		file:  f,
		w:     bufio.NewWriter(f),
		runID: xid.New().String(),
	}, nil
}

// RunID identifies this run's entries in a shared log file.
func (l *Log) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Dag records a run-level event.
func (l *Log) Dag(event string) {
	l.append(Entry{Kind: "dag", Event: event})
}

// Node records n's current state and attempt count.
func (l *Log) Node(n *dag.Node) {
	l.append(Entry{Kind: "node", NodeID: n.ID, State: string(n.State), Attempts: n.FailedAttempts})
}

// File records f's current state.
func (l *Log) File(f *dag.File) {
	l.append(Entry{Kind: "file", File: f.Name, State: string(f.State)})
}

func (l *Log) append(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	e.Timestamp = time.Now().UTC()
	e.Run = l.runID
	data, err := json.Marshal(e)
	if err != nil {
		l.err = err
		return
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		l.err = err
		return
	}
	// Flush per record so a crash loses at most the entry being written.
	if err := l.w.Flush(); err != nil {
		l.err = err
	}
}

// Close flushes and reports the first write error, if any.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil && l.err == nil {
		l.err = err
	}
	if err := l.file.Close(); err != nil && l.err == nil {
		l.err = err
	}
	return l.err
}

// NodeRecord is the replayed final state of one node.
type NodeRecord struct {
	State    dag.NodeState
	Attempts int
}

// Snapshot is the replayed end state of a log: the last recorded state per
// node and per file, across all runs in the file.
type Snapshot struct {
	Nodes map[int]NodeRecord
	Files map[string]dag.FileState
}

// Replay reads the log at path and folds it into a snapshot. A missing
// file yields an empty snapshot. Unparseable lines are skipped: the tail
// of a log cut off by a crash must not prevent resuming.
func Replay(path string) (*Snapshot, error) {
	s := &Snapshot{
		Nodes: make(map[int]NodeRecord),
		Files: make(map[string]dag.FileState),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open runlog %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		switch e.Kind {
		case "node":
			s.Nodes[e.NodeID] = NodeRecord{State: dag.NodeState(e.State), Attempts: e.Attempts}
		case "file":
			s.Files[e.File] = dag.FileState(e.State)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read runlog %s: %w", path, err)
	}
	return s, nil
}
