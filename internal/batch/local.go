package batch

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/cascade/internal/dag"
)

// Local runs node commands as shell subprocesses on the local host,
// bounded by a weighted semaphore so at most maxJobs commands run at once.
// Submit never fails on capacity: accepted jobs wait for a slot inside
// their own goroutine, which keeps the dispatch loop from stalling.
type Local struct {
	name    string
	workDir string
	sem     *semaphore.Weighted
	logger  *log.Logger

	mu      sync.Mutex
	cancels map[JobID]context.CancelFunc

	completions chan Completion
	base        context.Context
	stop        context.CancelFunc
}

// NewLocal creates a local queue executing commands in workDir.
func NewLocal(workDir string, maxJobs int64, logger *log.Logger) *Local {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Local{
		name:        dag.QueueLocal,
		workDir:     workDir,
		sem:         semaphore.NewWeighted(maxJobs),
		logger:      logger,
		cancels:     make(map[JobID]context.CancelFunc),
		completions: make(chan Completion, 64),
		base:        base,
		stop:        stop,
	}
}

func (l *Local) Name() string { return l.name }

// Submit accepts the node's command and starts it as soon as a slot frees.
func (l *Local) Submit(ctx context.Context, n *dag.Node) (JobID, error) {
	if n.Command == "" {
		return "", fmt.Errorf("%w: node %d has empty command", ErrSubmit, n.ID)
	}

	id := JobID(xid.New().String())
	jobCtx, cancel := context.WithCancel(l.base)

	l.mu.Lock()
	l.cancels[id] = cancel
	l.mu.Unlock()

	go l.run(jobCtx, id, n)
	return id, nil
}

func (l *Local) run(ctx context.Context, id JobID, n *dag.Node) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.finish(id, cancelledExitStatus)
		return
	}
	defer l.sem.Release(1)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", n.Command)
	cmd.Dir = l.workDir
	// The shell leads its own process group so cancellation reaches
	// grandchildren, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	err := cmd.Run()
	status := 0
	if err != nil {
		status = exitStatus(err)
	}
	if l.logger != nil {
		l.logger.Printf("[DEBUG] local job=%s node=%d exit=%d elapsed=%s", id, n.ID, status, time.Since(start).Round(time.Millisecond))
	}
	l.finish(id, status)
}

// cancelledExitStatus is reported for jobs killed before or during execution.
const cancelledExitStatus = -1

func exitStatus(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return cancelledExitStatus
	}
	return cancelledExitStatus
}

// finish records the completion. The send is abandoned once the queue is
// closed so job goroutines never block on a channel nobody drains.
func (l *Local) finish(id JobID, status int) {
	l.mu.Lock()
	delete(l.cancels, id)
	l.mu.Unlock()
	select {
	case l.completions <- Completion{Job: id, ExitStatus: status}:
	case <-l.base.Done():
	}
}

// Poll blocks until a completion arrives or ctx is done, then drains
// whatever else is immediately available.
func (l *Local) Poll(ctx context.Context) ([]Completion, error) {
	var out []Completion
	select {
	case c := <-l.completions:
		out = append(out, c)
	case <-ctx.Done():
		return nil, nil
	}
	for {
		select {
		case c := <-l.completions:
			out = append(out, c)
		default:
			return out, nil
		}
	}
}

// Cancel kills the job's process group via its context. Unknown handles
// (already finished jobs) report false.
func (l *Local) Cancel(id JobID) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Close tears down every outstanding job.
func (l *Local) Close() {
	l.stop()
}
