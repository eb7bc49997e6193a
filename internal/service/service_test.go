package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsrunner/internal/engine"
	"opsrunner/internal/eventbus"
	"opsrunner/internal/executor"
	"opsrunner/internal/logstream"
	"opsrunner/internal/model"
	"opsrunner/internal/scheduler"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

// stubFactory returns backends that finish instantly with success.
type stubFactory struct{}

func (stubFactory) New(ctx context.Context, job model.Job) (executor.Backend, error) {
	return &stubBackend{out: make(chan string), done: make(chan struct{})}, nil
}

type stubBackend struct {
	out  chan string
	done chan struct{}
}

func (b *stubBackend) Start(ctx context.Context) error {
	go func() {
		close(b.out)
		close(b.done)
	}()
	return nil
}
func (b *stubBackend) Output() <-chan string { return b.out }
func (b *stubBackend) Wait() executor.Result {
	<-b.done
	return executor.Result{}
}
func (b *stubBackend) Cancel() {}

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	streams := logstream.New(store, logx.Nop())
	bus := eventbus.New()
	eng := engine.New(store, stubFactory{}, streams, bus, logx.Nop(), engine.Options{})
	sched := scheduler.New(store, eng.TriggerRun, time.UTC, logx.Nop())
	t.Cleanup(func() {
		sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return New(store, eng, sched, streams, bus, logx.Nop()), store
}

func manualJob(name string) model.Job {
	return model.Job{
		Name: name,
		Kind: model.KindLocalScript,
		Payload: model.Payload{
			Language: model.LangShell,
			Source:   model.SourceInline,
			Script:   "uptime",
		},
		Schedule: model.Schedule{Kind: model.ScheduleManual},
		Enabled:  true,
	}
}

func TestCreateJobAssignsIdentity(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateJob(ctx, manualJob("probe"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", created)
	}

	got, err := store.GetJob(ctx, created.ID)
	if err != nil || got.Name != "probe" {
		t.Fatalf("persisted job: %+v, %v", got, err)
	}
}

func TestCreateJobRejectsInvalid(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	bad := manualJob("")
	_, err := svc.CreateJob(ctx, bad)
	var v *model.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("CreateJob = %v, want *ValidationError", err)
	}

	jobs, _ := store.ListJobs(ctx)
	if len(jobs) != 0 {
		t.Fatal("invalid job must not be persisted")
	}
}

func TestCreateJobRejectsBadCron(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	j := manualJob("cronjob")
	j.Schedule = model.Schedule{Kind: model.ScheduleCron, Expr: "0 9 * *"}
	if _, err := svc.CreateJob(context.Background(), j); err == nil {
		t.Fatal("malformed cron expression must be rejected")
	}
}

func TestUpdateJobKeepsCreatedAt(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateJob(ctx, manualJob("probe"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	created.Name = "probe v2"
	updated, err := svc.UpdateJob(ctx, created)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("created_at must survive updates")
	}
	if updated.Name != "probe v2" {
		t.Fatalf("name = %q", updated.Name)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	created, _ := svc.CreateJob(ctx, manualJob("probe"))
	if err := svc.DeleteJob(ctx, created.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := store.GetJob(ctx, created.ID); !IsNotFound(err) {
		t.Fatalf("job still present: %v", err)
	}
	if err := svc.DeleteJob(ctx, created.ID); !IsNotFound(err) {
		t.Fatalf("double delete = %v, want not-found", err)
	}
}

func TestDuplicateJob(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	src, _ := svc.CreateJob(ctx, manualJob("origin"))
	cp, err := svc.DuplicateJob(ctx, src.ID)
	if err != nil {
		t.Fatalf("DuplicateJob: %v", err)
	}
	if cp.ID == src.ID {
		t.Fatal("duplicate shares the source id")
	}
	if cp.Name != "origin (copy)" {
		t.Fatalf("name = %q", cp.Name)
	}
	jobs, _ := svc.ListJobs(ctx)
	if len(jobs) != 2 {
		t.Fatalf("%d jobs after duplicate, want 2", len(jobs))
	}
}

func TestTriggerAndHistory(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	created, _ := svc.CreateJob(ctx, manualJob("probe"))
	run, err := svc.TriggerRun(ctx, created.ID, model.OriginAPI)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(ctx, run.ID)
		if err == nil && r.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	hist, err := svc.RunHistory(ctx, created.ID, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("RunHistory = %v, %v", hist, err)
	}
	if hist[0].Status != model.StatusSucceeded {
		t.Fatalf("status = %s", hist[0].Status)
	}
}

func TestSubscribeLogsFinishedRun(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	created, _ := svc.CreateJob(ctx, manualJob("probe"))
	run, err := svc.TriggerRun(ctx, created.ID, model.OriginManual)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(ctx, run.ID)
		if err == nil && r.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch, cancel, err := svc.SubscribeLogs(ctx, run.ID)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("stub backend produced no output; expected immediate close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("log channel never closed")
	}
}
