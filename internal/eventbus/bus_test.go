package eventbus

import (
	"testing"
	"time"

	"opsrunner/internal/model"
)

func TestRunAndJobTopicsAreIndependent(t *testing.T) {
	t.Parallel()
	b := New()

	runs, unsubRuns := b.SubscribeRuns(4)
	jobs, unsubJobs := b.SubscribeJobs(4)
	defer unsubRuns()
	defer unsubJobs()

	b.PublishRun(model.StatusEvent{RunID: "r1", JobID: "j1", Status: model.StatusRunning})
	b.PublishJob(JobEvent{JobID: "j1"})
	b.PublishJob(JobEvent{JobID: "j2", Removed: true})

	select {
	case ev := <-runs:
		if ev.RunID != "r1" || ev.Status != model.StatusRunning {
			t.Fatalf("run event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatal("publish must stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("run subscriber got nothing")
	}

	got := []JobEvent{<-jobs, <-jobs}
	if got[0].JobID != "j1" || got[0].Removed {
		t.Fatalf("first job event = %+v", got[0])
	}
	if got[1].JobID != "j2" || !got[1].Removed {
		t.Fatalf("second job event = %+v", got[1])
	}

	select {
	case ev := <-runs:
		t.Fatalf("job publish leaked onto the run topic: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()
	b := New()
	runs, unsub := b.SubscribeRuns(1)
	defer unsub()

	b.PublishRun(model.StatusEvent{RunID: "r1"})
	b.PublishRun(model.StatusEvent{RunID: "r2"}) // buffer full, dropped

	if ev := <-runs; ev.RunID != "r1" {
		t.Fatalf("got %+v", ev)
	}
	select {
	case ev := <-runs:
		t.Fatalf("dropped event was delivered: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesAndPublishStaysSafe(t *testing.T) {
	t.Parallel()
	b := New()
	jobs, unsub := b.SubscribeJobs(1)

	unsub()
	unsub() // idempotent

	if _, ok := <-jobs; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	b.PublishJob(JobEvent{JobID: "j1"}) // no subscriber, must not panic
}
