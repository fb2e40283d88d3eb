package runlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascade/internal/dag"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.runlog")

	l, err := Open(path)
	require.NoError(t, err)
	assert.NotEmpty(t, l.RunID())

	l.Dag(DagStarted)

	n := dag.NewNode(1, "true")
	n.State = dag.NodeRunning
	l.Node(n)
	n.State = dag.NodeComplete
	l.Node(n)

	f := dag.NewFile("a.dat")
	f.State = dag.FileExist
	l.File(f)

	l.Dag(DagEnded)
	require.NoError(t, l.Close())

	snap, err := Replay(path)
	require.NoError(t, err)

	// Last recorded state per node and file wins.
	rec, ok := snap.Nodes[1]
	require.True(t, ok)
	assert.Equal(t, dag.NodeComplete, rec.State)
	assert.Equal(t, dag.FileExist, snap.Files["a.dat"])
}

func TestReplayAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.runlog")

	// Two runs append to the same file; the later one overrides.
	for _, state := range []dag.NodeState{dag.NodeFailed, dag.NodeComplete} {
		l, err := Open(path)
		require.NoError(t, err)
		n := dag.NewNode(7, "true")
		n.State = state
		n.FailedAttempts = 2
		l.Node(n)
		require.NoError(t, l.Close())
	}

	snap, err := Replay(path)
	require.NoError(t, err)
	rec := snap.Nodes[7]
	assert.Equal(t, dag.NodeComplete, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestReplayMissingFile(t *testing.T) {
	snap, err := Replay(filepath.Join(t.TempDir(), "absent.runlog"))
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Files)
}

func TestReplaySkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.runlog")
	content := `{"kind":"node","node_id":1,"state":"complete"}
this line was cut off by a cra
{"kind":"file","file":"x.dat","state":"exist"}
{"kind":"node","node_id":2,"state":
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	snap, err := Replay(path)
	require.NoError(t, err)
	assert.Equal(t, dag.NodeState("complete"), snap.Nodes[1].State)
	assert.Equal(t, dag.FileState("exist"), snap.Files["x.dat"])
	_, ok := snap.Nodes[2]
	assert.False(t, ok)
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log
	l.Dag(DagStarted)
	l.Node(dag.NewNode(1, "true"))
	l.File(dag.NewFile("x"))
	assert.Empty(t, l.RunID())
	assert.NoError(t, l.Close())
}
