package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"opsrunner/internal/model"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

func countingTrigger(fired *atomic.Int32) TriggerFunc {
	return func(ctx context.Context, jobID string, origin model.TriggerOrigin) (model.Run, error) {
		if origin != model.OriginScheduled {
			panic("scheduler must trigger with the scheduled origin")
		}
		fired.Add(1)
		return model.Run{ID: "r", JobID: jobID, Origin: origin}, nil
	}
}

func intervalJob(id string, every time.Duration) model.Job {
	return model.Job{
		ID:       id,
		Name:     "tick",
		Kind:     model.KindLocalScript,
		Payload:  model.Payload{Language: model.LangShell, Source: model.SourceInline, Script: "true"},
		Schedule: model.Schedule{Kind: model.ScheduleInterval, Every: every},
		Enabled:  true,
	}
}

func waitFired(t *testing.T, fired *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fired %d times, want at least %d", fired.Load(), want)
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	s.Upsert(intervalJob("job-1", 20*time.Millisecond))
	waitFired(t, &fired, 2)
}

func TestRemoveStopsFiring(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	s.Upsert(intervalJob("job-1", 20*time.Millisecond))
	waitFired(t, &fired, 1)
	s.Remove("job-1")

	settle := fired.Load()
	time.Sleep(100 * time.Millisecond)
	// One in-flight fire may land after Remove; the loop itself must be gone.
	if got := fired.Load(); got > settle+1 {
		t.Fatalf("still firing after Remove: %d -> %d", settle, got)
	}
}

func TestDisabledJobNotRegistered(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	j := intervalJob("job-1", 20*time.Millisecond)
	j.Enabled = false
	s.Upsert(j)

	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("disabled job fired %d times", fired.Load())
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	j := intervalJob("job-1", 0)
	j.Schedule = model.Schedule{Kind: model.ScheduleOnce, At: time.Now().Add(30 * time.Millisecond)}
	s.Upsert(j)

	waitFired(t, &fired, 1)
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("one-shot fired %d times", fired.Load())
	}
}

func TestOneShotInPastStaysInert(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	j := intervalJob("job-1", 0)
	j.Schedule = model.Schedule{Kind: model.ScheduleOnce, At: time.Now().Add(-time.Hour)}
	s.Upsert(j)

	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("past one-shot fired %d times", fired.Load())
	}
}

func TestUpsertReplacesRegistration(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	s := New(storage.NewMemory(), countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	s.Upsert(intervalJob("job-1", 20*time.Millisecond))
	waitFired(t, &fired, 1)

	// Re-upsert with a long interval: the old fast loop must be replaced.
	s.Upsert(intervalJob("job-1", time.Hour))
	settle := fired.Load()
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got > settle+1 {
		t.Fatalf("old interval loop survived upsert: %d -> %d", settle, got)
	}
}

func TestStartLoadsPersistedJobs(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	if err := store.UpsertJob(context.Background(), intervalJob("job-1", 20*time.Millisecond)); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	var fired atomic.Int32
	s := New(store, countingTrigger(&fired), time.UTC, logx.Nop())
	t.Cleanup(s.Stop)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFired(t, &fired, 1)
}
