package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsrunner/internal/eventbus"
	"opsrunner/internal/executor"
	"opsrunner/internal/logstream"
	"opsrunner/internal/model"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

// fakeBackend is a scriptable stand-in for a real executor backend.
type fakeBackend struct {
	startErr error
	lines    []string
	result   executor.Result

	// release, when non-nil, holds the run open until closed. cancelStops
	// makes Cancel() close it, emulating a cooperative process.
	release     chan struct{}
	cancelStops bool

	out         chan string
	done        chan struct{}
	releaseOnce sync.Once
	cancelled   atomic.Bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		out:  make(chan string, 16),
		done: make(chan struct{}),
	}
}

func (b *fakeBackend) Start(ctx context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	go func() {
		for _, l := range b.lines {
			b.out <- l
		}
		if b.release != nil {
			<-b.release
		}
		close(b.out)
		close(b.done)
	}()
	return nil
}

func (b *fakeBackend) Output() <-chan string { return b.out }

func (b *fakeBackend) Wait() executor.Result {
	<-b.done
	return b.result
}

func (b *fakeBackend) Cancel() {
	b.cancelled.Store(true)
	if b.cancelStops && b.release != nil {
		b.releaseOnce.Do(func() { close(b.release) })
	}
}

func (b *fakeBackend) finish() {
	if b.release != nil {
		b.releaseOnce.Do(func() { close(b.release) })
	}
}

// fakeFactory hands out backends in order and counts invocations.
type fakeFactory struct {
	mu       sync.Mutex
	backends []*fakeBackend
	newErr   error
	calls    int
}

func (f *fakeFactory) New(ctx context.Context, job model.Job) (executor.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.newErr != nil {
		return nil, f.newErr
	}
	if len(f.backends) == 0 {
		b := newFakeBackend()
		return b, nil
	}
	b := f.backends[0]
	f.backends = f.backends[1:]
	return b, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testEngine(t *testing.T, factory BackendFactory, opts Options) (*Engine, storage.Store) {
	t.Helper()
	e, store, _ := testEngineStreams(t, factory, opts)
	return e, store
}

func testEngineStreams(t *testing.T, factory BackendFactory, opts Options) (*Engine, storage.Store, *logstream.Streamer) {
	t.Helper()
	store := storage.NewMemory()
	streams := logstream.New(store, logx.Nop())
	e := New(store, factory, streams, eventbus.New(), logx.Nop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, store, streams
}

func seedJob(t *testing.T, store storage.Store, enabled bool) model.Job {
	t.Helper()
	job := model.Job{
		ID:   "job-1",
		Name: "echo",
		Kind: model.KindLocalScript,
		Payload: model.Payload{
			Language: model.LangShell,
			Source:   model.SourceInline,
			Script:   "echo hi",
		},
		Schedule: model.Schedule{Kind: model.ScheduleManual},
		Enabled:  enabled,
	}
	if err := store.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	return job
}

func waitStatus(t *testing.T, store storage.Store, runID string, want model.RunStatus) model.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(context.Background(), runID)
		if err == nil && r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (now %s)", runID, want, r.Status)
	return model.Run{}
}

func TestRunSucceeds(t *testing.T) {
	t.Parallel()
	b := newFakeBackend()
	b.lines = []string{"hello", "world"}
	factory := &fakeFactory{backends: []*fakeBackend{b}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)

	run, err := e.TriggerRun(context.Background(), "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	got := waitStatus(t, store, run.ID, model.StatusSucceeded)
	if got.ExitCode != 0 || got.FinishedAt == nil {
		t.Fatalf("terminal run: %+v", got)
	}

	chunks, err := store.LogChunks(context.Background(), run.ID)
	if err != nil || len(chunks) != 2 {
		t.Fatalf("log chunks = %v, %v", chunks, err)
	}
}

func TestNonZeroExitFails(t *testing.T) {
	t.Parallel()
	b := newFakeBackend()
	b.result = executor.Result{ExitCode: 3}
	factory := &fakeFactory{backends: []*fakeBackend{b}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)

	run, err := e.TriggerRun(context.Background(), "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	got := waitStatus(t, store, run.ID, model.StatusFailed)
	if got.ExitCode != 3 || !strings.Contains(got.Diagnostic, "code 3") {
		t.Fatalf("failed run: %+v", got)
	}
}

func TestAdmissionOneActiveOnePending(t *testing.T) {
	t.Parallel()
	active := newFakeBackend()
	active.release = make(chan struct{})
	pending := newFakeBackend()
	factory := &fakeFactory{backends: []*fakeBackend{active, pending}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	first, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitStatus(t, store, first.ID, model.StatusRunning)

	second, err := e.TriggerRun(ctx, "job-1", model.OriginScheduled)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	waitStatus(t, store, second.ID, model.StatusQueued)

	// Every further trigger is a rejected no-op, even under contention.
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.TriggerRun(ctx, "job-1", model.OriginScheduled)
			if errors.Is(err, ErrAdmissionRejected) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := rejected.Load(); got != 8 {
		t.Fatalf("rejected %d of 8 triggers", got)
	}

	// Terminal transition of the active run promotes the pending run once.
	active.finish()
	waitStatus(t, store, first.ID, model.StatusSucceeded)
	waitStatus(t, store, second.ID, model.StatusSucceeded)

	hist, err := store.RunHistory(ctx, "job-1", 100)
	if err != nil {
		t.Fatalf("RunHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("created %d runs, want exactly 2", len(hist))
	}
}

func TestSubscribeToQueuedRunReceivesLaterOutput(t *testing.T) {
	t.Parallel()
	active := newFakeBackend()
	active.release = make(chan struct{})
	pending := newFakeBackend()
	pending.lines = []string{"late one", "late two"}
	factory := &fakeFactory{backends: []*fakeBackend{active, pending}}
	e, store, streams := testEngineStreams(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	first, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitStatus(t, store, first.ID, model.StatusRunning)

	second, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	waitStatus(t, store, second.ID, model.StatusQueued)

	ch, cancelSub, err := streams.Subscribe(ctx, second.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelSub()

	// Nothing has been produced yet; the subscription must stay open rather
	// than report end of stream.
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed while the run was still queued")
		}
		t.Fatalf("unexpected chunk before promotion: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	active.finish()
	waitStatus(t, store, second.ID, model.StatusSucceeded)

	var got []string
	for c := range ch {
		got = append(got, c.Payload)
	}
	if len(got) != 2 || got[0] != "late one" || got[1] != "late two" {
		t.Fatalf("streamed %v, want the promoted run's full output", got)
	}
}

func TestCancelQueuedRunNeverInvokesBackend(t *testing.T) {
	t.Parallel()
	active := newFakeBackend()
	active.release = make(chan struct{})
	factory := &fakeFactory{backends: []*fakeBackend{active}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	first, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitStatus(t, store, first.ID, model.StatusRunning)

	second, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if err := e.CancelRun(ctx, second.ID); err != nil {
		t.Fatalf("CancelRun queued: %v", err)
	}
	got := waitStatus(t, store, second.ID, model.StatusCancelled)
	if got.Forced {
		t.Fatal("pre-start cancel must not be forced")
	}
	if factory.callCount() != 1 {
		t.Fatalf("factory invoked %d times; cancelled queued run must never build a backend", factory.callCount())
	}

	// The freed pending slot does not resurrect the cancelled run.
	active.finish()
	waitStatus(t, store, first.ID, model.StatusSucceeded)
	if factory.callCount() != 1 {
		t.Fatal("cancelled run was promoted")
	}
}

func TestLaunchErrorFailsWithoutRunning(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{newErr: &executor.LaunchError{Reason: "shell interpreter not found"}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)

	run, err := e.TriggerRun(context.Background(), "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	got := waitStatus(t, store, run.ID, model.StatusFailed)
	if !strings.Contains(got.Diagnostic, "launch failed") {
		t.Fatalf("diagnostic = %q", got.Diagnostic)
	}
	if got.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", got.ExitCode)
	}
}

func TestCancelRunningCooperative(t *testing.T) {
	t.Parallel()
	b := newFakeBackend()
	b.release = make(chan struct{})
	b.cancelStops = true
	factory := &fakeFactory{backends: []*fakeBackend{b}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	run, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	waitStatus(t, store, run.ID, model.StatusRunning)

	if err := e.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	got := waitStatus(t, store, run.ID, model.StatusCancelled)
	if got.Forced {
		t.Fatal("confirmed cancel must not be forced")
	}
	if !b.cancelled.Load() {
		t.Fatal("backend never saw the cancel")
	}
}

func TestCancelTimeoutForcesFailure(t *testing.T) {
	t.Parallel()
	b := newFakeBackend()
	b.release = make(chan struct{}) // never closes on Cancel
	factory := &fakeFactory{backends: []*fakeBackend{b}}
	e, store := testEngine(t, factory, Options{CancelGrace: 50 * time.Millisecond})
	seedJob(t, store, true)
	ctx := context.Background()

	run, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	waitStatus(t, store, run.ID, model.StatusRunning)

	err = e.CancelRun(ctx, run.ID)
	if !errors.Is(err, ErrCancelTimeout) {
		t.Fatalf("CancelRun = %v, want ErrCancelTimeout", err)
	}
	got := waitStatus(t, store, run.ID, model.StatusFailed)
	if !got.Forced {
		t.Fatal("timed-out cancel must be marked forced")
	}
	b.finish() // unblock the leaked backend goroutine
}

func TestTriggerDisabledJob(t *testing.T) {
	t.Parallel()
	e, store := testEngine(t, &fakeFactory{}, Options{})
	seedJob(t, store, false)

	if _, err := e.TriggerRun(context.Background(), "job-1", model.OriginScheduled); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("TriggerRun = %v, want ErrJobDisabled", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, &fakeFactory{}, Options{})
	if err := e.CancelRun(context.Background(), "nope"); !errors.Is(err, ErrRunNotActive) {
		t.Fatalf("CancelRun = %v, want ErrRunNotActive", err)
	}
}

func TestIdleJobRecordReclaimed(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	run, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	waitStatus(t, store, run.ID, model.StatusSucceeded)

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		n := len(e.jobs)
		e.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d admission records left after the job went idle", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Admission still works after the record was dropped.
	again, err := e.TriggerRun(ctx, "job-1", model.OriginManual)
	if err != nil {
		t.Fatalf("trigger after reclaim: %v", err)
	}
	waitStatus(t, store, again.ID, model.StatusSucceeded)
}

func TestCancelPendingFor(t *testing.T) {
	t.Parallel()
	active := newFakeBackend()
	active.release = make(chan struct{})
	factory := &fakeFactory{backends: []*fakeBackend{active}}
	e, store := testEngine(t, factory, Options{})
	seedJob(t, store, true)
	ctx := context.Background()

	first, _ := e.TriggerRun(ctx, "job-1", model.OriginManual)
	waitStatus(t, store, first.ID, model.StatusRunning)
	second, _ := e.TriggerRun(ctx, "job-1", model.OriginManual)

	e.CancelPendingFor("job-1")
	waitStatus(t, store, second.ID, model.StatusCancelled)

	active.finish()
	waitStatus(t, store, first.ID, model.StatusSucceeded)
}
