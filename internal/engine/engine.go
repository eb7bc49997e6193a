// Package engine admits, executes, and tracks runs. It owns the per-job
// admission invariant: at most one run in running and at most one in queued,
// with further triggers rejected as no-ops until a slot frees up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsrunner/internal/eventbus"
	"opsrunner/internal/executor"
	"opsrunner/internal/logstream"
	"opsrunner/internal/model"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

var (
	// ErrAdmissionRejected means the job already has both an active and a
	// pending run. Nothing was created; the caller treats it as "no new run".
	ErrAdmissionRejected = errors.New("run admission rejected: active and pending run exist")

	// ErrCancelTimeout means the backend did not confirm cancellation within
	// the grace period and the run was forcibly marked failed.
	ErrCancelTimeout = errors.New("cancellation not confirmed within grace period")

	ErrRunNotActive = errors.New("run is not active")
	ErrJobDisabled  = errors.New("job is disabled")
	ErrClosed       = errors.New("engine is shut down")
)

const defaultCancelGrace = 10 * time.Second

// BackendFactory builds one backend per run. *executor.Factory satisfies it;
// tests substitute fakes.
type BackendFactory interface {
	New(ctx context.Context, job model.Job) (executor.Backend, error)
}

type Options struct {
	// CancelGrace bounds how long a cooperative cancel may take before the
	// run is forcibly failed. Zero means the default.
	CancelGrace time.Duration
}

type Engine struct {
	store   storage.Store
	factory BackendFactory
	streams *logstream.Streamer
	bus     eventbus.Bus
	log     logx.Logger
	grace   time.Duration

	mu     sync.Mutex
	jobs   map[string]*jobState
	runs   map[string]*runHandle
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// jobState is the per-job admission record. Created lazily on first trigger
// and dropped again once both slots are free; its mutex linearizes that job's
// admission and slot release without any engine-wide lock across jobs.
type jobState struct {
	mu      sync.Mutex
	active  *runHandle
	pending *runHandle

	// gone marks a record already removed from the map; a trigger that raced
	// the reclaim must not park a run on it.
	gone bool
}

type runHandle struct {
	job model.Job
	js  *jobState

	// stream is opened at admission, so a subscriber attaching while the run
	// is still queued stays attached until the run finishes.
	stream *logstream.Stream

	mu              sync.Mutex
	run             model.Run
	backend         executor.Backend
	cancelRequested bool
	timedOut        bool

	finishOnce sync.Once
	done       chan struct{}
}

func New(store storage.Store, factory BackendFactory, streams *logstream.Streamer, bus eventbus.Bus, log logx.Logger, opts Options) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		factory: factory,
		streams: streams,
		bus:     bus,
		log:     log,
		grace:   grace,
		jobs:    map[string]*jobState{},
		runs:    map[string]*runHandle{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start sweeps runs stranded by a previous process: anything still queued or
// running cannot make progress and is failed up front.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.store.MarkStaleRunsFailed(ctx, "control plane restarted while run was in flight")
	if err != nil {
		return fmt.Errorf("stale run sweep: %w", err)
	}
	if n > 0 {
		e.log.Warn("stale runs failed at startup", logx.Int("count", n))
	}
	return nil
}

// Close stops admitting and waits for in-flight runs to settle, up to ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	settled := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerRun admits one run for the job. With a free active slot the run
// starts immediately; with the active slot taken it is queued; with both
// slots taken it is rejected with ErrAdmissionRejected and nothing persists.
func (e *Engine) TriggerRun(ctx context.Context, jobID string, origin model.TriggerOrigin) (model.Run, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Run{}, err
	}
	if !job.Enabled {
		return model.Run{}, ErrJobDisabled
	}

	js, err := e.lockJob(jobID)
	if err != nil {
		return model.Run{}, err
	}
	defer js.mu.Unlock()

	if js.active != nil && js.pending != nil {
		return model.Run{}, ErrAdmissionRejected
	}

	run := model.Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Origin:    origin,
		Status:    model.StatusQueued,
		StartedAt: time.Now().UTC(),
		ExitCode:  -1,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("persisting run: %w", err)
	}

	h := &runHandle{job: job, js: js, run: run, done: make(chan struct{})}
	h.stream = e.streams.Open(run.ID)
	e.mu.Lock()
	e.runs[run.ID] = h
	e.mu.Unlock()

	e.publish(run)

	if js.active == nil {
		js.active = h
		e.wg.Add(1)
		go e.execute(h)
		e.log.Info("run started", logx.String("job", jobID), logx.String("run", run.ID), logx.String("origin", string(origin)))
	} else {
		js.pending = h
		e.log.Info("run queued behind active", logx.String("job", jobID), logx.String("run", run.ID))
	}
	return run, nil
}

// lockJob returns the job's admission record with its mutex held. A record
// observed in the map may have been reclaimed by the time its lock is taken;
// those are skipped and the lookup retried.
func (e *Engine) lockJob(jobID string) (*jobState, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}
		js := e.jobs[jobID]
		if js == nil {
			js = &jobState{}
			e.jobs[jobID] = js
		}
		e.mu.Unlock()

		js.mu.Lock()
		if !js.gone {
			return js, nil
		}
		js.mu.Unlock()
	}
}

// CancelRun cancels a run. Queued runs are cancelled directly and their
// backend is never invoked. Running runs get a cooperative cancel; if the
// backend does not confirm within the grace period the run is forcibly
// failed and ErrCancelTimeout is returned.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	h := e.runs[runID]
	e.mu.Unlock()
	if h == nil {
		return ErrRunNotActive
	}

	// Pending run: take it out of the queue under the job lock so a
	// concurrent promotion cannot grab it.
	h.js.mu.Lock()
	if h.js.pending == h {
		h.js.pending = nil
		h.js.mu.Unlock()
		e.finalize(h, model.StatusCancelled, -1, "", false)
		return nil
	}
	h.js.mu.Unlock()

	h.mu.Lock()
	h.cancelRequested = true
	backend := h.backend
	h.mu.Unlock()

	if backend != nil {
		backend.Cancel()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(e.grace):
		e.finalize(h, model.StatusFailed, -1, "cancellation not confirmed within grace period", true)
		return ErrCancelTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelPendingFor cancels the job's pending run if one exists. Used when a
// job is deleted or disabled.
func (e *Engine) CancelPendingFor(jobID string) {
	e.mu.Lock()
	js := e.jobs[jobID]
	e.mu.Unlock()
	if js == nil {
		return
	}
	js.mu.Lock()
	h := js.pending
	js.pending = nil
	js.mu.Unlock()
	if h != nil {
		e.finalize(h, model.StatusCancelled, -1, "", false)
	}
}

// execute drives one admitted run occupying the job's active slot.
func (e *Engine) execute(h *runHandle) {
	defer e.wg.Done()
	ctx := e.baseCtx

	h.mu.Lock()
	cancelled := h.cancelRequested
	h.mu.Unlock()
	if cancelled {
		e.finalize(h, model.StatusCancelled, -1, "", false)
		return
	}

	backend, err := e.factory.New(ctx, h.job)
	if err != nil {
		e.finalize(h, model.StatusFailed, -1, err.Error(), false)
		return
	}

	h.mu.Lock()
	h.backend = backend
	cancelled = h.cancelRequested
	h.mu.Unlock()
	if cancelled {
		e.finalize(h, model.StatusCancelled, -1, "", false)
		return
	}

	if err := backend.Start(ctx); err != nil {
		e.finalize(h, model.StatusFailed, -1, err.Error(), false)
		return
	}

	e.transition(h, model.StatusRunning)

	if h.job.Timeout > 0 {
		timer := time.AfterFunc(h.job.Timeout, func() { e.timeoutRun(h) })
		defer timer.Stop()
	}

	for line := range backend.Output() {
		h.stream.Publish(ctx, line)
	}

	res := backend.Wait()

	h.mu.Lock()
	cancelled = h.cancelRequested
	timedOut := h.timedOut
	h.mu.Unlock()

	switch {
	case timedOut:
		e.finalize(h, model.StatusFailed, res.ExitCode,
			fmt.Sprintf("run exceeded timeout of %s", h.job.Timeout), false)
	case cancelled:
		e.finalize(h, model.StatusCancelled, res.ExitCode, "", false)
	case res.Err != nil:
		e.finalize(h, model.StatusFailed, res.ExitCode, res.Err.Error(), false)
	case res.ExitCode == 0:
		e.finalize(h, model.StatusSucceeded, 0, "", false)
	default:
		e.finalize(h, model.StatusFailed, res.ExitCode,
			fmt.Sprintf("exited with code %d", res.ExitCode), false)
	}
}

// timeoutRun fires when a run outlives its per-job timeout: cancel the
// backend cooperatively, then force the terminal state if it does not settle
// within the grace period.
func (e *Engine) timeoutRun(h *runHandle) {
	h.mu.Lock()
	if h.timedOut {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	backend := h.backend
	h.mu.Unlock()

	e.log.Warn("run timed out, cancelling", logx.String("run", h.run.ID), logx.Duration("timeout", h.job.Timeout))
	if backend != nil {
		backend.Cancel()
	}

	select {
	case <-h.done:
	case <-time.After(e.grace):
		e.finalize(h, model.StatusFailed, -1,
			fmt.Sprintf("run exceeded timeout of %s and did not stop", h.job.Timeout), true)
	}
}

// transition moves a run to a non-terminal status, persisting before the bus
// sees it.
func (e *Engine) transition(h *runHandle, to model.RunStatus) {
	h.mu.Lock()
	from := h.run.Status
	if !model.ValidTransition(from, to) {
		h.mu.Unlock()
		e.log.Error("invalid status transition", logx.String("run", h.run.ID),
			logx.String("from", string(from)), logx.String("to", string(to)))
		return
	}
	h.run.Status = to
	run := h.run
	h.mu.Unlock()

	if err := e.store.UpdateRun(e.baseCtx, run); err != nil {
		e.log.Error("persisting run status", logx.String("run", run.ID), logx.Err(err))
		return
	}
	e.publish(run)
}

// finalize performs the terminal transition exactly once: persist, publish,
// release the active slot, and promote the pending run if one is waiting.
func (e *Engine) finalize(h *runHandle, to model.RunStatus, exitCode int, diagnostic string, forced bool) {
	h.finishOnce.Do(func() {
		now := time.Now().UTC()

		h.mu.Lock()
		if !model.ValidTransition(h.run.Status, to) {
			// A queued run that never ran can only fail or cancel; anything
			// else is a programming error, downgraded to failed.
			e.log.Error("invalid terminal transition", logx.String("run", h.run.ID),
				logx.String("from", string(h.run.Status)), logx.String("to", string(to)))
			to = model.StatusFailed
		}
		h.run.Status = to
		h.run.ExitCode = exitCode
		h.run.Diagnostic = diagnostic
		h.run.Forced = forced
		h.run.FinishedAt = &now
		run := h.run
		h.mu.Unlock()

		if err := e.store.UpdateRun(e.baseCtx, run); err != nil {
			e.log.Error("persisting terminal run status", logx.String("run", run.ID), logx.Err(err))
		} else {
			e.publish(run)
		}
		e.log.Info("run finished", logx.String("job", run.JobID), logx.String("run", run.ID),
			logx.String("status", string(run.Status)), logx.Int("exit_code", run.ExitCode))

		// End of stream for every log subscriber, including ones that attached
		// while the run was still queued.
		h.stream.Close()
		close(h.done)

		e.mu.Lock()
		delete(e.runs, run.ID)
		e.mu.Unlock()

		// Release the slot and promote at most one waiter. A record left with
		// both slots empty is retired so the map does not accrete one entry
		// per job ever triggered.
		h.js.mu.Lock()
		if h.js.active == h {
			h.js.active = nil
			if next := h.js.pending; next != nil {
				h.js.pending = nil
				h.js.active = next
				e.wg.Add(1)
				go e.execute(next)
				e.log.Info("pending run promoted", logx.String("job", next.run.JobID), logx.String("run", next.run.ID))
			}
		}
		if h.js.active == nil && h.js.pending == nil {
			h.js.gone = true
			e.mu.Lock()
			if e.jobs[run.JobID] == h.js {
				delete(e.jobs, run.JobID)
			}
			e.mu.Unlock()
		}
		h.js.mu.Unlock()
	})
}

func (e *Engine) publish(run model.Run) {
	if e.bus == nil {
		return
	}
	e.bus.PublishRun(model.StatusEvent{
		RunID:  run.ID,
		JobID:  run.JobID,
		Status: run.Status,
		At:     time.Now().UTC(),
	})
}
