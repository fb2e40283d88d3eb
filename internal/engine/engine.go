// Package engine drives a workflow graph to completion: it owns the
// dispatch loop that turns graph topology into backend submissions, applies
// the node and file state machines, and brackets every transition with the
// hook registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/cascade/internal/batch"
	"github.com/msageha/cascade/internal/dag"
	"github.com/msageha/cascade/internal/hook"
	"github.com/msageha/cascade/internal/lock"
	"github.com/msageha/cascade/internal/model"
	"github.com/msageha/cascade/internal/runlog"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ErrRunFailed is returned when the run terminates with failed nodes or
// when no further progress is possible.
var ErrRunFailed = errors.New("workflow failed")

// ErrRunAborted is returned when the run is stopped by an external
// interrupt or a hook failure.
var ErrRunAborted = errors.New("run aborted")

// errNoProgress ends the loop when work remains but nothing can advance.
var errNoProgress = errors.New("no further progress possible")

// errInterrupted ends the loop on context cancellation or a stop request.
var errInterrupted = errors.New("run interrupted")

// RunlogName is the transaction log file kept in the workflow directory.
const RunlogName = "cascade.runlog"

// LockName is the run lock file kept in the workflow directory.
const LockName = "cascade.lock"

// Engine executes one workflow graph. A single goroutine drives the loop;
// concurrency comes from outstanding backend jobs only. The graph is
// mutated exclusively by this goroutine.
type Engine struct {
	workDir string
	cfg     model.Config
	d       *dag.Dag
	reg     *hook.Registry

	queues map[string]batch.Queue

	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
	clk      clock.Clock

	runLock *lock.FileLock
	rlog    *runlog.Log

	// jobs maps outstanding job handles to their nodes; a node appears at
	// most once (at-most-one-outstanding-submission invariant).
	jobs        map[batch.JobID]*dag.Node
	submitTimes map[batch.JobID]time.Time

	// nextAttempt gates resubmission of nodes whose backend submission
	// failed; backoffs holds the per-node exponential schedule.
	nextAttempt map[int]time.Time
	backoffs    map[int]*backoff.ExponentialBackOff

	stopRequested atomic.Bool
	aborted       bool
}

// New creates an engine for the graph in workDir. A local process queue is
// registered by default; remote queues are added with RegisterQueue before
// Run.
func New(workDir string, cfg model.Config, d *dag.Dag, reg *hook.Registry) (*Engine, error) {
	cfg.ApplyDefaults()

	var w io.Writer = os.Stderr
	var closer io.Closer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open engine log: %w", err)
		}
		w = f
		closer = f
	}
	logger := log.New(w, "", log.LstdFlags)

	e := &Engine{
		workDir:     workDir,
		cfg:         cfg,
		d:           d,
		reg:         reg,
		queues:      make(map[string]batch.Queue),
		logger:      logger,
		logFile:     closer,
		logLevel:    parseLogLevel(cfg.Logging.Level),
		clk:         clock.New(),
		runLock:     lock.NewFileLock(filepath.Join(workDir, LockName)),
		jobs:        make(map[batch.JobID]*dag.Node),
		submitTimes: make(map[batch.JobID]time.Time),
		nextAttempt: make(map[int]time.Time),
		backoffs:    make(map[int]*backoff.ExponentialBackOff),
	}
	e.queues[dag.QueueLocal] = batch.NewLocal(workDir, int64(cfg.Local.MaxJobs), logger)
	return e, nil
}

// RegisterQueue adds or replaces a backend under its name. Must be called
// before Run.
func (e *Engine) RegisterQueue(q batch.Queue) {
	e.queues[q.Name()] = q
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(c clock.Clock) {
	e.clk = c
}

// Stop requests a graceful abort from another goroutine. The loop observes
// it at the top of the next iteration.
func (e *Engine) Stop() {
	e.stopRequested.Store(true)
}

// Run drives the workflow to completion, failure, or abort. It always
// terminates: the backend poll is bounded and stalled runs are detected.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.runLock.TryLock(); err != nil {
		return fmt.Errorf("run lock: %w", err)
	}
	defer e.runLock.Unlock()
	defer e.closeLog()

	for _, n := range e.d.Nodes() {
		if _, ok := e.queues[n.Queue]; !ok {
			return fmt.Errorf("node %d bound to unknown queue %q", n.ID, n.Queue)
		}
	}

	rlog, err := runlog.Open(filepath.Join(e.workDir, RunlogName))
	if err != nil {
		return fmt.Errorf("open runlog: %w", err)
	}
	e.rlog = rlog
	defer rlog.Close()

	if err := e.reg.Create(e.hookArgs()); err != nil {
		return e.abortRun(err)
	}
	defer func() {
		if err := e.reg.Destroy(e.d); err != nil {
			e.log(LogLevelWarn, "destroy hook error=%v", err)
		}
	}()

	if err := e.reg.DagInit(e.d); err != nil {
		return e.abortRun(err)
	}
	if err := e.d.Check(); err != nil {
		return fmt.Errorf("graph check: %w", err)
	}
	if err := e.reg.DagCheck(e.d); err != nil {
		return e.abortRun(err)
	}
	if err := e.registerFiles(); err != nil {
		return e.abortRun(err)
	}
	if err := e.activateNodes(); err != nil {
		return e.abortRun(err)
	}
	if err := e.reg.DagStart(e.d); err != nil {
		return e.abortRun(err)
	}

	stopWatch := e.startStopWatcher()
	if stopWatch != nil {
		defer stopWatch.Close()
	}

	e.rlog.Dag(runlog.DagStarted)
	e.log(LogLevelInfo, "run started nodes=%d files=%d hooks=%d", e.d.TaskCount(), len(e.d.Files()), e.reg.Len())

	runErr := e.loop(ctx)

	switch {
	case runErr == nil:
		// A hook-requested stop can exit the loop with work remaining;
		// that is a failed run, not a completed one.
		if e.d.Failed() || e.d.Remaining() {
			return e.failRun()
		}
		if err := e.reg.DagEnd(e.d); err != nil {
			e.log(LogLevelWarn, "dag_end hook error=%v", err)
		}
		e.rlog.Dag(runlog.DagEnded)
		e.log(LogLevelInfo, "run complete")
		return nil
	case errors.Is(runErr, errNoProgress):
		e.log(LogLevelError, "run stalled: %v", runErr)
		return e.failRun()
	default:
		return e.abortRun(runErr)
	}
}

// loop is one control thread: submit ready nodes, poll outstanding jobs,
// advance state machines, repeat until the graph is drained.
func (e *Engine) loop(ctx context.Context) error {
	stuck := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", errInterrupted, err)
		}
		if e.stopRequested.Load() {
			return fmt.Errorf("%w: stop requested", errInterrupted)
		}

		if err := e.reg.DagLoop(e.d); err != nil {
			e.log(LogLevelInfo, "dag_loop stop requested: %v", err)
			if len(e.jobs) == 0 {
				return nil
			}
		}

		progress := false

		for _, n := range e.d.NodesReady() {
			if e.clk.Now().Before(e.nextAttempt[n.ID]) {
				continue
			}
			q := e.queues[n.Queue]
			if err := e.reg.NodeCheck(n, q); err != nil {
				e.log(LogLevelDebug, "node_check veto node=%d err=%v", n.ID, err)
				continue
			}
			submitted, err := e.submit(ctx, n, q)
			if err != nil {
				return err
			}
			if submitted {
				progress = true
			}
		}

		collected, err := e.collect(ctx)
		if err != nil {
			return err
		}
		if collected {
			progress = true
		}

		if !e.d.Remaining() && len(e.jobs) == 0 {
			return nil
		}

		if progress || len(e.jobs) > 0 {
			stuck = 0
			continue
		}

		stuck++
		if stuck >= e.cfg.Scheduler.StuckIterations {
			return fmt.Errorf("%w: %d nodes remain with no runnable work", errNoProgress, len(e.d.NodesReady())+remainingCount(e.d))
		}
		e.clk.Sleep(e.pollTimeout())
	}
}

// submit prepares the node's outputs, runs the submission hooks, and hands
// the node to its queue. A backend submission failure is recoverable: it
// consumes one attempt and schedules a backoff. Hook failures are returned
// and abort the run.
func (e *Engine) submit(ctx context.Context, n *dag.Node, q batch.Queue) (bool, error) {
	for _, f := range n.Outputs {
		if f.State == dag.FileExpect {
			continue
		}
		if err := e.reg.FileExpect(f); err != nil {
			return false, err
		}
		if err := f.Transition(dag.FileExpect); err != nil {
			return false, err
		}
		e.rlog.File(f)
	}

	if err := e.reg.NodeSubmit(n, q); err != nil {
		return false, err
	}
	if err := e.reg.BatchSubmit(q); err != nil {
		return false, err
	}

	id, err := q.Submit(ctx, n)
	if err != nil {
		e.log(LogLevelWarn, "submit failed node=%d queue=%s err=%v", n.ID, q.Name(), err)
		return false, e.noteSubmitFailure(n)
	}

	if err := n.Transition(dag.NodeRunning); err != nil {
		return false, err
	}
	e.jobs[id] = n
	e.submitTimes[id] = e.clk.Now()
	delete(e.nextAttempt, n.ID)
	e.rlog.Node(n)
	e.log(LogLevelInfo, "submitted node=%d queue=%s job=%s attempt=%d", n.ID, q.Name(), id, n.FailedAttempts+1)
	return true, nil
}

// noteSubmitFailure consumes one attempt and either schedules the next
// submission try or terminally fails the node.
func (e *Engine) noteSubmitFailure(n *dag.Node) error {
	n.FailedAttempts++
	if n.FailedAttempts > e.cfg.Retry.Limit {
		if err := e.reg.NodeFail(n, nil); err != nil {
			return err
		}
		if err := n.Transition(dag.NodeFailed); err != nil {
			return err
		}
		e.rlog.Node(n)
		if err := e.propagateFailure(n); err != nil {
			return err
		}
		if err := e.retireInputs(n); err != nil {
			return err
		}
		return e.Sweep()
	}

	b := e.backoffs[n.ID]
	if b == nil {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = time.Duration(e.cfg.Retry.SubmitBackoffMs) * time.Millisecond
		b.MaxInterval = time.Duration(e.cfg.Retry.SubmitBackoffMaxMs) * time.Millisecond
		b.MaxElapsedTime = 0
		b.Clock = e.clk
		b.Reset()
		e.backoffs[n.ID] = b
	}
	delay := b.NextBackOff()
	e.nextAttempt[n.ID] = e.clk.Now().Add(delay)
	e.log(LogLevelInfo, "node=%d submit retry in %s attempt=%d/%d", n.ID, delay.Round(time.Millisecond), n.FailedAttempts, e.cfg.Retry.Limit)
	return nil
}

// collect polls every queue with outstanding jobs and applies completions.
func (e *Engine) collect(ctx context.Context) (bool, error) {
	collected := false
	for name, q := range e.queues {
		if !e.hasJobsOn(name) {
			continue
		}
		if err := e.reg.BatchRetrieve(q); err != nil {
			return collected, err
		}

		pollCtx, cancel := context.WithTimeout(ctx, e.pollTimeout())
		comps, err := q.Poll(pollCtx)
		cancel()
		if err != nil {
			e.log(LogLevelWarn, "poll queue=%s err=%v", name, err)
			continue
		}

		for _, c := range comps {
			n, ok := e.jobs[c.Job]
			if !ok {
				e.log(LogLevelWarn, "unknown job=%s queue=%s", c.Job, name)
				continue
			}
			delete(e.jobs, c.Job)
			collected = true
			if err := e.finish(n, c); err != nil {
				return collected, err
			}
		}
	}
	return collected, nil
}

// finish applies one completed job: verification, success or failure hooks,
// node transition, input retirement, and the GC sweep.
func (e *Engine) finish(n *dag.Node, c batch.Completion) error {
	info := &batch.JobInfo{
		Job:        c.Job,
		ExitStatus: c.ExitStatus,
		Submitted:  e.submitTimes[c.Job],
		Finished:   e.clk.Now(),
	}
	delete(e.submitTimes, c.Job)

	if err := e.reg.NodeEnd(n, info); err != nil {
		return err
	}

	success := c.ExitStatus == 0
	if success {
		if missing := e.missingOutput(n); missing != "" {
			// A reported success without the promised output is a node
			// failure; the file stays in expect.
			e.log(LogLevelWarn, "node=%d exit=0 but output missing file=%s", n.ID, missing)
			success = false
		}
	}

	if success {
		for _, f := range n.Outputs {
			if f.State == dag.FileExist {
				continue
			}
			if err := e.reg.FileExist(f); err != nil {
				return err
			}
			if err := f.Transition(dag.FileExist); err != nil {
				return err
			}
			e.rlog.File(f)
		}
		if err := e.reg.NodeSuccess(n, info); err != nil {
			return err
		}
		if err := n.Transition(dag.NodeComplete); err != nil {
			return err
		}
		e.rlog.Node(n)
		e.log(LogLevelInfo, "complete node=%d job=%s", n.ID, c.Job)
		if err := e.retireInputs(n); err != nil {
			return err
		}
		return e.Sweep()
	}

	if err := e.reg.NodeFail(n, info); err != nil {
		return err
	}
	if err := n.Transition(dag.NodeFailed); err != nil {
		return err
	}
	n.FailedAttempts++
	e.rlog.Node(n)
	e.log(LogLevelWarn, "failed node=%d job=%s exit=%d attempt=%d/%d", n.ID, c.Job, c.ExitStatus, n.FailedAttempts, e.cfg.Retry.Limit+1)

	if n.FailedAttempts <= e.cfg.Retry.Limit {
		// Retry: re-invalidate the node's own outputs before it can be
		// resubmitted.
		for _, f := range n.Outputs {
			if f.State != dag.FileExist {
				continue
			}
			if err := e.reg.FileExpect(f); err != nil {
				return err
			}
			if err := f.Transition(dag.FileExpect); err != nil {
				return err
			}
			e.rlog.File(f)
		}
		if err := n.Transition(dag.NodeWaiting); err != nil {
			return err
		}
		e.rlog.Node(n)
		e.log(LogLevelInfo, "retrying node=%d attempt=%d/%d", n.ID, n.FailedAttempts+1, e.cfg.Retry.Limit+1)
		return nil
	}

	if err := e.propagateFailure(n); err != nil {
		return err
	}
	if err := e.retireInputs(n); err != nil {
		return err
	}
	return e.Sweep()
}

// propagateFailure terminally fails every transitive dependent of n; they
// are never submitted. Hook info is nil for nodes that never ran.
func (e *Engine) propagateFailure(n *dag.Node) error {
	e.log(LogLevelError, "node=%d permanently failed attempts=%d", n.ID, n.FailedAttempts)
	for _, dep := range e.d.Dependents(n) {
		if dep.State.Terminal() || dep.State == dag.NodeRunning {
			continue
		}
		if err := e.reg.NodeFail(dep, nil); err != nil {
			return err
		}
		if err := dep.Transition(dag.NodeFailed); err != nil {
			return err
		}
		e.rlog.Node(dep)
		e.log(LogLevelWarn, "failed node=%d inherited from node=%d", dep.ID, n.ID)
		if err := e.retireInputs(dep); err != nil {
			return err
		}
	}
	return nil
}

// failRun dispatches dag_fail and reports the run as failed.
func (e *Engine) failRun() error {
	if err := e.reg.DagFail(e.d); err != nil {
		e.log(LogLevelWarn, "dag_fail hook error=%v", err)
	}
	e.rlog.Dag(runlog.DagFailed)
	failed := 0
	for _, n := range e.d.Nodes() {
		if n.State == dag.NodeFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d nodes failed", ErrRunFailed, failed)
	}
	return fmt.Errorf("%w: %d nodes never became runnable", ErrRunFailed, remainingCount(e.d))
}

// abortRun dispatches dag_abort, cancels every outstanding job (best
// effort), dispatches node_abort for each, and reports the run as aborted.
// Hook failures on the abort path are logged, never retried.
func (e *Engine) abortRun(cause error) error {
	if e.aborted {
		return fmt.Errorf("%w: %v", ErrRunAborted, cause)
	}
	e.aborted = true
	e.log(LogLevelWarn, "aborting run cause=%v", cause)

	if err := e.reg.DagAbort(e.d); err != nil {
		e.log(LogLevelWarn, "dag_abort hook error=%v", err)
	}
	for id, n := range e.jobs {
		q := e.queues[n.Queue]
		cancelled := q.Cancel(id)
		if !cancelled {
			e.log(LogLevelWarn, "cancel refused job=%s node=%d, abandoning", id, n.ID)
		}
		if err := e.reg.NodeAbort(n); err != nil {
			e.log(LogLevelWarn, "node_abort hook node=%d error=%v", n.ID, err)
		}
		if err := n.Transition(dag.NodeAborted); err != nil {
			e.log(LogLevelWarn, "abort transition node=%d error=%v", n.ID, err)
		}
		e.rlog.Node(n)
	}
	e.jobs = make(map[batch.JobID]*dag.Node)
	e.rlog.Dag(runlog.DagAborted)
	return fmt.Errorf("%w: %v", ErrRunAborted, cause)
}

// registerFiles fires file_create for every file; source inputs are already
// exist and additionally fire file_exist.
func (e *Engine) registerFiles() error {
	for _, f := range e.d.Files() {
		if err := e.reg.FileCreate(f); err != nil {
			return err
		}
		if f.IsSource() {
			if err := e.reg.FileExist(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// activateNodes fires node_create for every node and moves fresh nodes into
// waiting. Nodes restored as complete by a resume keep their state.
func (e *Engine) activateNodes() error {
	for _, n := range e.d.Nodes() {
		if err := e.reg.NodeCreate(n, e.queues[n.Queue]); err != nil {
			return err
		}
		if n.State == dag.NodeCreated {
			if err := n.Transition(dag.NodeWaiting); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) hasJobsOn(queue string) bool {
	for _, n := range e.jobs {
		if n.Queue == queue {
			return true
		}
	}
	return false
}

func (e *Engine) hookArgs() map[string]any {
	args := make(map[string]any, len(e.cfg.Hooks))
	for name, v := range e.cfg.Hooks {
		args[name] = v
	}
	return args
}

func (e *Engine) pollTimeout() time.Duration {
	return time.Duration(e.cfg.Scheduler.PollTimeoutMs) * time.Millisecond
}

// path resolves a file name relative to the workflow directory.
func (e *Engine) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.workDir, name)
}

// missingOutput returns the first expected output absent on disk, or "".
func (e *Engine) missingOutput(n *dag.Node) string {
	for _, f := range n.Outputs {
		if _, err := os.Stat(e.path(f.Name)); err != nil {
			return f.Name
		}
	}
	return ""
}

func remainingCount(d *dag.Dag) int {
	count := 0
	for _, n := range d.Nodes() {
		if n.State == dag.NodeWaiting || n.State == dag.NodeRunning {
			count++
		}
	}
	return count
}

func (e *Engine) closeLog() {
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	e.logger.Printf("[%s] %s", levelStr, fmt.Sprintf(format, args...))
}
