// Package worker implements the polling loop that claims jobs from a
// controller, runs them in a sandbox, and keeps the registry, lock and
// message channels serviced while the job is in flight.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"oss.nandlabs.io/golly/pool"

	"orchestra/internal/controller"
	"orchestra/internal/model"
	"orchestra/internal/sandbox"
)

// State is a Worker's coarse run state, reported for introspection and by
// the Pool when deciding whether a worker needs (re)starting.
type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateBusy    State = "busy"
)

// ReportFactory constructs a fresh, empty report for a job type. The
// returned value's concrete type is what job-type-specific code actually
// works with; the worker only ever touches it through model.Reporter.
type ReportFactory func() model.Reporter

// JobType bundles what a Worker needs to run one kind of job: the body
// itself and a way to build its report.
type JobType struct {
	Func   sandbox.JobFunc
	Report ReportFactory
}

// Options configures a Worker's polling cadence and per-job limits.
type Options struct {
	// ProcessTimeout aborts a job that has run longer than this. Zero
	// means no timeout.
	ProcessTimeout time.Duration
	// RegistryPushInterval is how often in-flight progress is pushed to
	// the controller.
	RegistryPushInterval time.Duration
	// LockRefreshInterval is how often the claim on the current job is
	// renewed.
	LockRefreshInterval time.Duration
	// MessagesInterval is how often out-of-band instructions (abort) are
	// polled for.
	MessagesInterval time.Duration
	// IdlePollInterval is how long to wait between queue_pop attempts
	// when the queue was empty.
	IdlePollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RegistryPushInterval <= 0 {
		o.RegistryPushInterval = time.Second
	}
	if o.LockRefreshInterval <= 0 {
		o.LockRefreshInterval = time.Second
	}
	if o.MessagesInterval <= 0 {
		o.MessagesInterval = time.Second
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = time.Second
	}
	return o
}

// Worker requests and processes jobs from a Controller in a loop, one job
// at a time, until stopped.
type Worker struct {
	name     string
	ctrl     controller.Controller
	jobTypes map[string]JobType
	opts     Options
	log      zerolog.Logger

	// slots bounds how many jobs across a whole Pool may run at once. A
	// standalone Worker built with New has no slots pool and runs
	// unbounded; workers built by Pool.Init share one slots pool sized
	// to the pool's base size plus its configured overflow, so a burst
	// can borrow capacity beyond one-worker-per-job without every worker
	// needing its own dedicated headroom.
	slots pool.Pool[struct{}]

	mu          sync.Mutex
	running     bool
	busy        bool
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	stopOnIdle  atomic.Bool
	currentAbrt func(origin, reason string)
}

// New builds a Worker polling ctrl for jobs of the types in jobTypes. name
// defaults to a host-and-uuid-derived tag if empty.
func New(ctrl controller.Controller, jobTypes map[string]JobType, name string, opts Options, log zerolog.Logger) *Worker {
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("worker-%s-%s", host, uuid.NewString()[:8])
	}
	return &Worker{
		name:     name,
		ctrl:     ctrl,
		jobTypes: jobTypes,
		opts:     opts.withDefaults(),
		log:      log.With().Str("worker", name).Logger(),
	}
}

// Name returns the worker's name tag, used in logs and as the lock owner.
func (w *Worker) Name() string { return w.name }

// SetSlots assigns the execution-slot pool this worker must check a slot
// out of before running a job. Called by Pool.Init; a Worker built
// directly with New has no slots pool and runs unbounded.
func (w *Worker) SetSlots(slots pool.Pool[struct{}]) { w.slots = slots }

// State reports the worker's current coarse state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return StateStopped
	}
	if w.busy {
		return StateBusy
	}
	return StateIdle
}

// Start launches the worker's poll loop in the background. Starting an
// already-running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.stopOnIdle.Store(false)
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop signals the worker to stop after its current job (if any) and,
// when block is true, waits for it to actually stop.
func (w *Worker) Stop(block bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, stoppedCh := w.stopCh, w.stoppedCh
	w.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	if block {
		<-stoppedCh
	}
}

// StopOnIdle signals the worker to stop the next time it finds the queue
// empty, letting any current job run to completion.
func (w *Worker) StopOnIdle(block bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stoppedCh := w.stoppedCh
	w.mu.Unlock()
	w.stopOnIdle.Store(true)
	if block {
		<-stoppedCh
	}
}

// Kill aborts whatever job is currently running (if any), attributing the
// abort to origin/reason, then behaves like Stop(block=false).
func (w *Worker) Kill(origin, reason string) {
	w.mu.Lock()
	abrt := w.currentAbrt
	w.mu.Unlock()
	if abrt != nil {
		abrt(origin, reason)
	}
	w.Stop(false)
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		stoppedCh := w.stoppedCh
		w.mu.Unlock()
		close(stoppedCh)
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		lock, ok, err := w.ctrl.QueuePop(ctx, w.name)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to fetch current queue from the controller")
		}
		if !ok {
			if w.stopOnIdle.Load() {
				return
			}
			select {
			case <-time.After(w.opts.IdlePollInterval):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		w.mu.Lock()
		w.busy = true
		w.mu.Unlock()

		w.log.Debug().Str("token", lock.Token).Msg("starts working on job")
		w.runJob(ctx, lock)
		w.log.Debug().Str("token", lock.Token).Msg("stops working on job")

		w.mu.Lock()
		w.busy = false
		w.currentAbrt = nil
		w.mu.Unlock()

		if err := w.ctrl.ReleaseLock(ctx, lock.ID); err != nil {
			w.log.Error().Err(err).Str("lock", lock.ID).Msg("failed to release lock")
		}

		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

// runJob drives a single job from claim to terminal outcome: it loads the
// job's info, starts it in a Sandbox, and loops servicing registry
// pushes, lock refreshes and message polling until the job finishes, is
// aborted, or times out.
func (w *Worker) runJob(ctx context.Context, lock model.Lock) {
	info, err := w.ctrl.GetInfo(ctx, lock.Token)
	if err != nil {
		w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to load job info")
		return
	}
	if info.Token == nil {
		tok, err := w.ctrl.GetToken(ctx, lock.Token)
		if err != nil {
			w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to load job token")
			return
		}
		info.Token = &tok
	}

	jt, known := w.jobTypes[info.Config.Type]
	if !known {
		if err := w.ctrl.ReleaseLock(ctx, lock.ID); err != nil {
			w.log.Error().Err(err).Msg("failed to release lock for unknown job type")
		}
		w.log.Error().Str("type", info.Config.Type).Msg("encountered unknown job type")
		return
	}

	if w.slots != nil {
		if _, err := w.slots.Checkout(); err != nil {
			w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to acquire an execution slot")
			if err := w.ctrl.ReleaseLock(ctx, lock.ID); err != nil {
				w.log.Error().Err(err).Msg("failed to release lock after slot acquisition failure")
			}
			return
		}
		defer w.slots.Checkin(struct{}{})
	}

	report := jt.Report()
	if info.Report != nil {
		if err := remarshalInto(info.Report, report); err != nil {
			report = jt.Report()
		}
	}
	if info.Metadata.Produced != nil {
		report.LogPtr().Log(model.ContextEvent, w.name, fmt.Sprintf(
			"Produced at %s by '%s'.", info.Metadata.Produced.DateTime, info.Metadata.Produced.By))
	}

	sbx := sandbox.New(w.name, &info, report)
	w.mu.Lock()
	w.currentAbrt = sbx.Abort
	w.mu.Unlock()

	sbx.Run(jt.Func)

	var sinceMsg time.Time

	pushTicker := time.NewTicker(w.opts.RegistryPushInterval)
	lockTicker := time.NewTicker(w.opts.LockRefreshInterval)
	msgTicker := time.NewTicker(w.opts.MessagesInterval)
	defer pushTicker.Stop()
	defer lockTicker.Stop()
	defer msgTicker.Stop()

	var timeoutCh <-chan time.Time
	if w.opts.ProcessTimeout > 0 {
		timer := time.NewTimer(w.opts.ProcessTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

loop:
	for {
		select {
		case <-sbx.Done():
			break loop

		case <-pushTicker.C:
			if !sbx.Dirty() {
				continue
			}
			status := model.StatusRunning
			if obj, err := reportToJSONObject(report); err != nil {
				w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to marshal report")
			} else {
				info.Report = obj
			}
			if err := w.ctrl.RegistryPush(ctx, lock.ID, &status, &info); err != nil {
				w.log.Error().Err(err).Str("token", lock.Token).
					Msg("unrecoverable error pushing job information to the controller")
				sbx.Abort(w.name, "cannot connect to controller")
				break loop
			}

		case <-lockTicker.C:
			refreshed, err := w.ctrl.RefreshLock(ctx, lock.ID)
			if err != nil {
				var stale *controller.StaleLockError
				if errors.As(err, &stale) || lock.Expired(time.Now()) {
					w.log.Error().Str("token", lock.Token).
						Msg("encountered expired lock after a failed refresh attempt, job failed")
					sbx.Abort(w.name, "stale lock")
					break loop
				}
				w.log.Error().Err(err).Str("token", lock.Token).Msg("error refreshing lock")
				continue
			}
			lock = refreshed

		case now := <-msgTicker.C:
			messages, err := w.ctrl.MessageGet(ctx, sinceMsg.Unix())
			if err != nil {
				w.log.Error().Err(err).Str("token", lock.Token).Msg("error fetching messages")
			}
			sinceMsg = now
			for _, msg := range messages {
				if msg.Token != lock.Token || msg.Instruction != model.Abort {
					continue
				}
				sbx.Abort(msg.Origin, msg.Content)
			}

		case <-timeoutCh:
			sbx.Abort(w.name, fmt.Sprintf("process timeout after %s", w.opts.ProcessTimeout))

		case <-ctx.Done():
			sbx.Abort(w.name, "worker shutting down")
			<-sbx.Done()
			break loop
		}
	}

	w.finishJob(ctx, &lock, &info, report, sbx)
}

// remarshalInto decodes a job's persisted, opaque report (a raw JSON
// object that may carry job-type-specific fields the core doesn't know
// about) into the concrete report type that job type's factory produces.
func remarshalInto(raw model.JSONObject, dst model.Reporter) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// reportToJSONObject marshals a job's concrete report back into the
// opaque JSONObject form the registry persists, the inverse of
// remarshalInto. Called immediately before every RegistryPush so the
// progress and log lines the sandbox and worker have been accumulating on
// report actually reach the controller, instead of the stale value info.Report
// held at claim time.
func reportToJSONObject(report model.Reporter) (model.JSONObject, error) {
	b, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	var obj model.JSONObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// finishJob pushes the job's terminal state to the registry once its
// sandbox has stopped running, handling the completed and aborted cases.
func (w *Worker) finishJob(ctx context.Context, lock *model.Lock, info *model.JobInfo, report model.Reporter, sbx *sandbox.Sandbox) {
	if sbx.Completed() {
		status := model.StatusCompleted
		if obj, err := reportToJSONObject(report); err != nil {
			w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to marshal report")
		} else {
			info.Report = obj
		}
		if err := w.ctrl.RegistryPush(ctx, lock.ID, &status, info); err != nil {
			w.log.Error().Err(err).Str("token", lock.Token).
				Msg("unrecoverable error pushing job information to the controller")
		}
		return
	}

	origin, reason, aborted := sbx.AbortInfo()
	if !aborted {
		origin, reason = w.name, "unknown"
	}
	if origin == "" {
		origin = w.name
	}
	w.log.Info().Str("token", lock.Token).Str("origin", origin).Str("reason", reason).
		Msg("job aborted")

	for _, child := range sbx.Children() {
		if err := child.Abort(info, origin, reason); err != nil {
			w.log.Error().Err(err).Str("child", child.ID()).Str("token", lock.Token).
				Msg("failed to abort child while aborting job")
			report.LogPtr().Log(model.ContextError, w.name,
				fmt.Sprintf("failed to abort child '%s' (%s): %v", child.ID(), child.Name(), err))
		}
	}

	info.Metadata.AbortRecord(origin)
	report.ProgressPtr().Abort()
	report.ProgressPtr().Verbose = fmt.Sprintf("job aborted (%s)", reason)
	report.LogPtr().Log(model.ContextEvent, w.name, fmt.Sprintf(
		"Aborted at %s by '%s'.", info.Metadata.Aborted.DateTime, origin))
	report.LogPtr().Log(model.ContextError, w.name, fmt.Sprintf(
		"Job aborted by '%s' (%s).", origin, reason))

	status := model.StatusAborted
	if obj, err := reportToJSONObject(report); err != nil {
		w.log.Error().Err(err).Str("token", lock.Token).Msg("failed to marshal report")
	} else {
		info.Report = obj
	}
	if err := w.ctrl.RegistryPush(ctx, lock.ID, &status, info); err != nil {
		w.log.Error().Err(err).Str("token", lock.Token).
			Msg("unrecoverable error pushing job information to the controller")
	}
}
