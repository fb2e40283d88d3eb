package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cascade/internal/batch"
	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/hook"
	"github.com/msageha/cascade/internal/model"
)

// fakeQueue is a scripted backend. Completions are produced synchronously
// at submit time unless the node is held, and successful jobs materialize
// their output files so engine verification passes.
type fakeQueue struct {
	t       *testing.T
	workDir string

	mu          sync.Mutex
	exits       map[int][]int // per-node exit codes, consumed per attempt
	submitErrs  map[int]int   // per-node count of initial submit errors
	hold        map[int]bool  // nodes whose jobs never complete
	noOutputs   map[int]bool  // nodes whose jobs skip creating outputs
	attempt     map[int]int
	outstanding map[batch.JobID]*dag.Node
	byNode      map[int]batch.JobID
	pending     []batch.Completion
	submitted   []int
	cancelled   []batch.JobID
}

func newFakeQueue(t *testing.T, workDir string) *fakeQueue {
	return &fakeQueue{
		t:           t,
		workDir:     workDir,
		exits:       make(map[int][]int),
		submitErrs:  make(map[int]int),
		hold:        make(map[int]bool),
		noOutputs:   make(map[int]bool),
		attempt:     make(map[int]int),
		outstanding: make(map[batch.JobID]*dag.Node),
		byNode:      make(map[int]batch.JobID),
	}
}

func (q *fakeQueue) Name() string { return dag.QueueLocal }

func (q *fakeQueue) Submit(ctx context.Context, n *dag.Node) (batch.JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Topological safety: inputs must be available at submission time.
	for _, f := range n.Inputs {
		if !f.Available() {
			q.t.Errorf("node %d submitted with unavailable input %s (%s)", n.ID, f.Name, f.State)
		}
	}
	// At most one outstanding submission per node.
	if _, dup := q.byNode[n.ID]; dup {
		q.t.Errorf("node %d submitted while already outstanding", n.ID)
	}

	if q.submitErrs[n.ID] > 0 {
		q.submitErrs[n.ID]--
		return "", fmt.Errorf("%w: backend unavailable", batch.ErrSubmit)
	}

	q.attempt[n.ID]++
	id := batch.JobID(fmt.Sprintf("job-%d-%d", n.ID, q.attempt[n.ID]))
	q.outstanding[id] = n
	q.byNode[n.ID] = id
	q.submitted = append(q.submitted, n.ID)

	if q.hold[n.ID] {
		return id, nil
	}

	exit := 0
	if codes := q.exits[n.ID]; len(codes) > 0 {
		exit = codes[0]
		q.exits[n.ID] = codes[1:]
	}
	if exit == 0 && !q.noOutputs[n.ID] {
		for _, f := range n.Outputs {
			path := filepath.Join(q.workDir, f.Name)
			if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
				q.t.Fatalf("write output %s: %v", path, err)
			}
		}
	}
	q.pending = append(q.pending, batch.Completion{Job: id, ExitStatus: exit})
	return id, nil
}

func (q *fakeQueue) Poll(ctx context.Context) ([]batch.Completion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	for _, c := range out {
		if n, ok := q.outstanding[c.Job]; ok {
			delete(q.byNode, n.ID)
			delete(q.outstanding, c.Job)
		}
	}
	return out, nil
}

func (q *fakeQueue) Cancel(id batch.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	if n, ok := q.outstanding[id]; ok {
		delete(q.byNode, n.ID)
		delete(q.outstanding, id)
		return true
	}
	return false
}

// eventHook records every lifecycle event, with optional per-event
// failures and node_check vetoes.
type eventHook struct {
	hook.NopHook
	mu       sync.Mutex
	events   []string
	vetoNode int
	failOn   string
}

func (h *eventHook) Name() string { return "events" }

func (h *eventHook) record(event string) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	if h.failOn == event {
		return fmt.Errorf("injected failure at %s", event)
	}
	return nil
}

func (h *eventHook) has(event string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == event {
			return true
		}
	}
	return false
}

func (h *eventHook) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := 0
	for _, e := range h.events {
		if e == event {
			c++
		}
	}
	return c
}

func (h *eventHook) DagStart(d *dag.Dag) error { return h.record("dag_start") }
func (h *eventHook) DagEnd(d *dag.Dag) error   { return h.record("dag_end") }
func (h *eventHook) DagFail(d *dag.Dag) error  { return h.record("dag_fail") }
func (h *eventHook) DagAbort(d *dag.Dag) error { return h.record("dag_abort") }

func (h *eventHook) NodeCheck(n *dag.Node, q batch.Queue) error {
	if h.vetoNode != 0 && n.ID == h.vetoNode {
		return fmt.Errorf("quota exhausted")
	}
	return nil
}

func (h *eventHook) NodeSubmit(n *dag.Node, q batch.Queue) error {
	return h.record(fmt.Sprintf("node_submit:%d", n.ID))
}

func (h *eventHook) NodeEnd(n *dag.Node, info *batch.JobInfo) error {
	return h.record(fmt.Sprintf("node_end:%d", n.ID))
}

func (h *eventHook) NodeSuccess(n *dag.Node, info *batch.JobInfo) error {
	return h.record(fmt.Sprintf("node_success:%d", n.ID))
}

func (h *eventHook) NodeFail(n *dag.Node, info *batch.JobInfo) error {
	return h.record(fmt.Sprintf("node_fail:%d", n.ID))
}

func (h *eventHook) NodeAbort(n *dag.Node) error {
	return h.record(fmt.Sprintf("node_abort:%d", n.ID))
}

func (h *eventHook) FileClean(f *dag.File) error {
	return h.record("file_clean:" + f.Name)
}

func (h *eventHook) FileDeleted(f *dag.File) error {
	return h.record("file_deleted:" + f.Name)
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Retry.Limit = 2
	cfg.Retry.SubmitBackoffMs = 1
	cfg.Retry.SubmitBackoffMaxMs = 5
	cfg.Scheduler.PollTimeoutMs = 5
	cfg.Scheduler.StuckIterations = 3
	cfg.Logging.Level = "error"
	return cfg
}

// newTestEngine builds the engine, fake queue, and event hook for a
// workflow, materializing its source inputs in a temp dir.
func newTestEngine(t *testing.T, w *model.Workflow, cfg model.Config) (*Engine, *fakeQueue, *eventHook, *dag.Dag, string) {
	t.Helper()
	workDir := t.TempDir()

	d, err := dag.Build(w)
	require.NoError(t, err)
	for _, f := range d.InputFiles() {
		require.NoError(t, os.WriteFile(filepath.Join(workDir, f.Name), []byte("src"), 0644))
	}

	h := &eventHook{}
	reg := hook.NewRegistry()
	reg.Register(h)

	eng, err := New(workDir, cfg, d, reg)
	require.NoError(t, err)

	q := newFakeQueue(t, workDir)
	eng.RegisterQueue(q)
	return eng, q, h, d, workDir
}

func chainWorkflow() *model.Workflow {
	return &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "gen", Inputs: []string{"in.txt"}, Outputs: []string{"a.dat"}},
			{ID: 2, Command: "mid", Inputs: []string{"a.dat"}, Outputs: []string{"b.dat"}},
			{ID: 3, Command: "fin", Inputs: []string{"b.dat"}, Outputs: []string{"out.txt"}},
		},
		Deliverables: []string{"out.txt"},
	}
}

func TestLinearChainWithRetries(t *testing.T) {
	eng, q, h, d, _ := newTestEngine(t, chainWorkflow(), testConfig())
	q.exits[2] = []int{1, 1, 0} // B fails twice, then succeeds

	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, dag.NodeComplete, d.Node(1).State)
	assert.Equal(t, dag.NodeComplete, d.Node(2).State)
	assert.Equal(t, dag.NodeComplete, d.Node(3).State)
	assert.Equal(t, 2, d.Node(2).FailedAttempts)
	assert.Equal(t, 2, h.count("node_fail:2"))
	assert.True(t, h.has("dag_end"))
	assert.False(t, h.has("dag_fail"))

	// C is submitted only after B's third attempt; B appears three times
	// before C appears at all.
	bSeen := 0
	for _, id := range q.submitted {
		if id == 2 {
			bSeen++
		}
		if id == 3 {
			assert.Equal(t, 3, bSeen, "node 3 submitted before node 2 completed")
			break
		}
	}
	assert.Equal(t, []int{1, 2, 2, 2, 3}, q.submitted)
}

func TestIntermediateFileGC(t *testing.T) {
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "a", Inputs: []string{"in.txt"}, Outputs: []string{"out.txt", "tmp.dat"}},
			{ID: 2, Command: "b", Inputs: []string{"tmp.dat"}, Outputs: []string{"final.txt"}},
		},
		Deliverables: []string{"out.txt", "final.txt"},
	}
	eng, _, h, d, workDir := newTestEngine(t, w, testConfig())

	require.NoError(t, eng.Run(context.Background()))

	tmp := d.File("tmp.dat")
	assert.Equal(t, dag.FileDeleted, tmp.State)
	_, err := os.Stat(filepath.Join(workDir, "tmp.dat"))
	assert.True(t, os.IsNotExist(err), "tmp.dat should be removed from disk")
	assert.True(t, h.has("file_clean:tmp.dat"))
	assert.True(t, h.has("file_deleted:tmp.dat"))

	out := d.File("out.txt")
	assert.Equal(t, dag.FileExist, out.State)
	_, err = os.Stat(filepath.Join(workDir, "out.txt"))
	assert.NoError(t, err, "deliverable must never be deleted")
	assert.False(t, h.has("file_clean:out.txt"))
}

func TestPersistentVetoStallsOnlyThatNode(t *testing.T) {
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "stalled", Inputs: []string{"in.txt"}, Outputs: []string{"x.dat"}},
			{ID: 2, Command: "fine", Inputs: []string{"in.txt"}, Outputs: []string{"y.dat"}},
		},
	}
	eng, q, h, d, _ := newTestEngine(t, w, testConfig())
	h.vetoNode = 1

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)

	// The sibling finished; the vetoed node was never submitted and is
	// still waiting.
	assert.Equal(t, dag.NodeComplete, d.Node(2).State)
	assert.Equal(t, dag.NodeWaiting, d.Node(1).State)
	assert.NotContains(t, q.submitted, 1)
	assert.True(t, h.has("dag_fail"))
}

func TestHookFailureAbortsRun(t *testing.T) {
	eng, _, h, _, _ := newTestEngine(t, chainWorkflow(), testConfig())
	h.failOn = "node_success:1"

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.True(t, h.has("dag_abort"))
	assert.False(t, h.has("dag_end"))
}

func TestExternalInterruptAbortsOutstandingJobs(t *testing.T) {
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "never-finishes", Inputs: []string{"in.txt"}, Outputs: []string{"x.dat"}},
		},
	}
	eng, q, h, d, _ := newTestEngine(t, w, testConfig())
	q.hold[1] = true

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	// Wait for the submission, then interrupt.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.submitted) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.Equal(t, dag.NodeAborted, d.Node(1).State)
	assert.True(t, h.has("dag_abort"))
	assert.True(t, h.has("node_abort:1"))

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.cancelled, 1)
}

func TestFailurePropagatesToDependents(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Limit = 1
	eng, q, h, d, _ := newTestEngine(t, chainWorkflow(), cfg)
	q.exits[1] = []int{1, 1} // both attempts fail

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)

	assert.Equal(t, dag.NodeFailed, d.Node(1).State)
	assert.Equal(t, dag.NodeFailed, d.Node(2).State)
	assert.Equal(t, dag.NodeFailed, d.Node(3).State)
	assert.NotContains(t, q.submitted, 2)
	assert.NotContains(t, q.submitted, 3)
	assert.True(t, h.has("node_fail:2"))
	assert.True(t, h.has("dag_fail"))
}

func TestTransientSubmitErrorRetries(t *testing.T) {
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "a", Inputs: []string{"in.txt"}, Outputs: []string{"x.dat"}},
		},
	}
	eng, q, _, d, _ := newTestEngine(t, w, testConfig())
	q.submitErrs[1] = 1

	require.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, dag.NodeComplete, d.Node(1).State)
	// The failed submission consumed one attempt.
	assert.Equal(t, 1, d.Node(1).FailedAttempts)
}

func TestPersistentSubmitErrorReclaimsInputs(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Limit = 1
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "gen", Inputs: []string{"in.txt"}, Outputs: []string{"a.dat"}},
			{ID: 2, Command: "use", Inputs: []string{"a.dat"}, Outputs: []string{"out.txt"}},
		},
		Deliverables: []string{"out.txt"},
	}
	eng, q, _, d, workDir := newTestEngine(t, w, cfg)
	q.submitErrs[2] = 10 // every submission attempt fails

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, dag.NodeFailed, d.Node(2).State)

	// The node died on submit errors alone; its inputs are still reclaimed.
	assert.Equal(t, dag.FileDeleted, d.File("a.dat").State)
	_, statErr := os.Stat(filepath.Join(workDir, "a.dat"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMissingOutputIsNodeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Limit = 0
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "a", Inputs: []string{"in.txt"}, Outputs: []string{"x.dat"}},
		},
	}
	eng, q, h, d, _ := newTestEngine(t, w, cfg)
	q.noOutputs[1] = true

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, dag.NodeFailed, d.Node(1).State)
	// Verification failure leaves the file in expect, not exist.
	assert.Equal(t, dag.FileExpect, d.File("x.dat").State)
	assert.True(t, h.has("node_fail:1"))
}

func TestSweepIdempotentOnDeletedFiles(t *testing.T) {
	w := &model.Workflow{
		Rules: []model.Rule{
			{ID: 1, Command: "a", Inputs: []string{"in.txt"}, Outputs: []string{"tmp.dat"}},
			{ID: 2, Command: "b", Inputs: []string{"tmp.dat"}, Outputs: []string{"out.txt"}},
		},
		Deliverables: []string{"out.txt"},
	}
	eng, _, h, d, _ := newTestEngine(t, w, testConfig())

	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, dag.FileDeleted, d.File("tmp.dat").State)
	deletions := h.count("file_deleted:tmp.dat")

	require.NoError(t, eng.Sweep())
	require.NoError(t, eng.Sweep())
	assert.Equal(t, dag.FileDeleted, d.File("tmp.dat").State)
	assert.Equal(t, deletions, h.count("file_deleted:tmp.dat"), "re-sweeping a deleted file must be a no-op")
}

func TestResumeSkipsCompletedNodes(t *testing.T) {
	eng, q, _, _, workDir := newTestEngine(t, chainWorkflow(), testConfig())

	// First run: everything completes.
	require.NoError(t, eng.Run(context.Background()))
	firstSubmits := len(q.submitted)
	require.Equal(t, 3, firstSubmits)

	// Second engine over a fresh graph resumes from the runlog.
	d2, err := dag.Build(chainWorkflow())
	require.NoError(t, err)
	reg := hook.NewRegistry()
	eng2, err := New(workDir, testConfig(), d2, reg)
	require.NoError(t, err)
	q2 := newFakeQueue(t, workDir)
	eng2.RegisterQueue(q2)

	require.NoError(t, eng2.Resume())
	assert.Equal(t, dag.NodeComplete, d2.Node(1).State)
	assert.Equal(t, dag.NodeComplete, d2.Node(2).State)
	assert.Equal(t, dag.NodeComplete, d2.Node(3).State)

	require.NoError(t, eng2.Run(context.Background()))
	assert.Empty(t, q2.submitted, "resumed run should not resubmit completed nodes")
}

func TestResumeDemotesNodeWithMissingOutput(t *testing.T) {
	// Every file is a deliverable so the restore decision depends only on
	// what is on disk, not on reclaimed intermediates.
	wf := func() *model.Workflow {
		w := chainWorkflow()
		w.Deliverables = []string{"a.dat", "b.dat", "out.txt"}
		return w
	}
	eng, _, _, _, workDir := newTestEngine(t, wf(), testConfig())
	require.NoError(t, eng.Run(context.Background()))

	// Deliverable vanished out-of-band: its producer (and only it) must
	// re-run.
	require.NoError(t, os.Remove(filepath.Join(workDir, "out.txt")))

	d2, err := dag.Build(wf())
	require.NoError(t, err)
	eng2, err := New(workDir, testConfig(), d2, hook.NewRegistry())
	require.NoError(t, err)
	q2 := newFakeQueue(t, workDir)
	eng2.RegisterQueue(q2)

	require.NoError(t, eng2.Resume())
	assert.Equal(t, dag.NodeComplete, d2.Node(1).State)
	assert.NotEqual(t, dag.NodeComplete, d2.Node(3).State)

	require.NoError(t, eng2.Run(context.Background()))
	assert.Equal(t, []int{3}, q2.submitted)
	assert.Equal(t, dag.NodeComplete, d2.Node(3).State)
}
