// Package batch abstracts execution backends behind a submit/poll/cancel
// contract. The engine never speaks a backend's own protocol; it only
// submits nodes, polls for completions, and cancels outstanding jobs.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/cascade/internal/dag"
)

// JobID is an opaque handle for one submitted job.
type JobID string

// Completion reports one finished job as observed by a backend poll.
type Completion struct {
	Job        JobID
	ExitStatus int
}

// JobInfo carries the details of a collected job for hook consumption.
// It may be nil for nodes that failed without ever being submitted
// (upstream failure propagation).
type JobInfo struct {
	Job        JobID
	ExitStatus int
	Submitted  time.Time
	Finished   time.Time
}

// ErrSubmit wraps transient submission failures. The engine keeps the node
// waiting and retries on a later iteration; the failure still consumes one
// retry attempt so a persistently broken backend cannot stall the run.
var ErrSubmit = errors.New("batch submit failed")

// Queue is the abstract execution backend contract.
//
// Submit hands one node's command to the backend and returns a handle.
// Poll blocks until at least one completion is available or ctx is done,
// then drains and returns everything available; an empty slice with a nil
// error means the poll window elapsed with nothing to collect. Cancel is
// best effort: false means the backend could not cancel the job and the
// engine abandons it.
type Queue interface {
	Name() string
	Submit(ctx context.Context, n *dag.Node) (JobID, error)
	Poll(ctx context.Context) ([]Completion, error)
	Cancel(id JobID) bool
}
