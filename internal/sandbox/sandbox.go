// Package sandbox runs a single job's business logic in isolation from the
// worker loop that drives it. The original implementation this is grounded
// on isolates jobs in their own OS process, communicating with the host
// over a pipe so a runaway job can be killed without taking the worker down
// with it. Go's goroutines share an address space, so there is no process
// boundary to reproduce here — instead a Sandbox gives a job body its own
// context.Context (cancelled on abort) and a mutex-guarded handle to its
// info/report, and the host polls Dirty()/Done() the way it would poll a
// pipe for process output.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"orchestra/internal/model"
)

// ChildJob is work spawned by a job body that must be notified when the
// parent job is aborted, e.g. a subprocess the job started on the job's
// behalf.
type ChildJob interface {
	ID() string
	Name() string
	Abort(info *model.JobInfo, origin, reason string) error
}

// JobFunc is the business logic of one job type. ctx is cancelled when the
// host aborts the job (timeout, stale lock, explicit abort message); job
// bodies that run for a while should select on ctx.Done() to exit early. A
// returned error marks the job completed-but-failed, not aborted: an
// erroring job body still ran to completion, it just didn't succeed.
type JobFunc func(ctx context.Context, jc *JobContext, info *model.JobInfo, report model.Reporter) error

// JobContext is the only handle a running JobFunc should use to touch
// shared state.
type JobContext struct {
	sbx *Sandbox
}

// Push notifies the host that info/report changed and is due for a
// registry push on its next push interval.
func (jc *JobContext) Push() { jc.sbx.markDirty() }

// AddChild registers work that should be aborted alongside this job.
func (jc *JobContext) AddChild(child ChildJob) {
	jc.sbx.mu.Lock()
	jc.sbx.children = append(jc.sbx.children, child)
	jc.sbx.mu.Unlock()
}

// RemoveChild deregisters a child that has finished on its own.
func (jc *JobContext) RemoveChild(id string) {
	jc.sbx.mu.Lock()
	kept := jc.sbx.children[:0]
	for _, c := range jc.sbx.children {
		if c.ID() != id {
			kept = append(kept, c)
		}
	}
	jc.sbx.children = kept
	jc.sbx.mu.Unlock()
}

// Sandbox runs one job's JobFunc in its own goroutine and tracks the
// mutable state a host worker needs to supervise it: whether there is
// unpushed progress, whether it has finished, and who asked for it to stop
// and why.
type Sandbox struct {
	WorkerID string
	Info     *model.JobInfo
	Report   model.Reporter

	mu          sync.Mutex
	children    []ChildJob
	dirty       bool
	completed   bool
	aborted     bool
	abortOrigin string
	abortReason string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Sandbox around an already-loaded job, ready to Run.
func New(workerID string, info *model.JobInfo, report model.Reporter) *Sandbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sandbox{
		WorkerID: workerID,
		Info:     info,
		Report:   report,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *Sandbox) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether info/report changed since the last call, and
// clears the flag. The host checks this on its push interval.
func (s *Sandbox) Dirty() bool {
	s.mu.Lock()
	d := s.dirty
	s.dirty = false
	s.mu.Unlock()
	return d
}

// Completed reports whether the job body has finished (successfully or
// not — a job that returned an error still completed; only an
// externally-requested Abort produces an aborted outcome instead).
func (s *Sandbox) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Done is closed once the job body has returned and, unless the sandbox was
// aborted first, its outcome (completed or failed) has been recorded.
func (s *Sandbox) Done() <-chan struct{} { return s.done }

// Abort cancels the job's context and records who asked and why. Because
// jobs run as goroutines rather than OS processes, this is cooperative:
// a job body that never observes ctx.Done() keeps running, same as a
// process ignoring SIGTERM would.
func (s *Sandbox) Abort(origin, reason string) {
	s.mu.Lock()
	if s.aborted || s.completed {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.abortOrigin = origin
	s.abortReason = reason
	s.mu.Unlock()
	s.cancel()
}

// AbortInfo returns who requested the abort and why, if Abort was called.
func (s *Sandbox) AbortInfo() (origin, reason string, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortOrigin, s.abortReason, s.aborted
}

// Children returns a snapshot of currently registered children.
func (s *Sandbox) Children() []ChildJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildJob, len(s.children))
	copy(out, s.children)
	return out
}

// Run stamps the job as consumed and starts its body in a new goroutine,
// returning immediately. The host selects on Done() alongside its own
// push/refresh/message timers.
func (s *Sandbox) Run(fn JobFunc) {
	jc := &JobContext{sbx: s}

	s.Info.Metadata.Consume(s.WorkerID)
	s.Report.LogPtr().Log(model.ContextEvent, s.WorkerID, fmt.Sprintf(
		"Consumed at %s by '%s'.", s.Info.Metadata.Consumed.DateTime, s.Info.Metadata.Consumed.By))
	s.markDirty()

	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.Report.LogPtr().Log(model.ContextError, s.WorkerID,
					fmt.Sprintf("Job failed due to panic in worker: %v", r))
				s.finish("worker failed to run job")
			}
		}()

		err := fn(s.ctx, jc, s.Info, s.Report)

		s.mu.Lock()
		alreadyDone := s.completed || s.aborted
		s.mu.Unlock()
		if alreadyDone {
			return
		}
		if err != nil {
			s.Report.LogPtr().Log(model.ContextError, s.WorkerID,
				fmt.Sprintf("Job failed due to exception in child process: %v", err))
			s.finish("job failed")
			return
		}
		s.finish("job completed")
	}()
}

func (s *Sandbox) finish(verbose string) {
	s.Info.Metadata.CompleteRecord(s.WorkerID)
	s.Report.ProgressPtr().Complete()
	s.Report.ProgressPtr().Verbose = verbose
	s.Report.LogPtr().Log(model.ContextEvent, s.WorkerID, fmt.Sprintf(
		"Completed at %s by '%s'.", s.Info.Metadata.Completed.DateTime, s.Info.Metadata.Completed.By))
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.markDirty()
}
