// Package scheduler evaluates job schedules and fires triggers into the run
// admission layer. It never blocks on execution: a trigger is a single call
// that either admits a run or is rejected, and the evaluator moves on.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsrunner/internal/engine"
	"opsrunner/internal/model"
	"opsrunner/internal/schedule"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

// TriggerFunc admits one run. The scheduler tolerates ErrAdmissionRejected
// and ErrJobDisabled; anything else is logged as a trigger failure.
type TriggerFunc func(ctx context.Context, jobID string, origin model.TriggerOrigin) (model.Run, error)

type Scheduler struct {
	store   storage.Store
	trigger TriggerFunc
	loc     *time.Location
	log     logx.Logger

	cron *cron.Cron

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	intervals map[string]chan struct{} // close to stop the job's ticker loop
	onceVer   map[string]uint64        // one-shot timer versions
	started   bool
	stopped   bool
}

func New(store storage.Store, trigger TriggerFunc, loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:     store,
		trigger:   trigger,
		loc:       loc,
		log:       log,
		cron:      cron.New(cron.WithLocation(loc)),
		entries:   map[string]cron.EntryID{},
		intervals: map[string]chan struct{}{},
		onceVer:   map[string]uint64{},
	}
}

// Start loads every persisted job, registers the enabled time-based ones,
// and begins evaluation.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s.Upsert(j)
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("schedule evaluator started", logx.Int("jobs", len(jobs)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts evaluation. In-flight trigger calls complete; nothing new fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, stop := range s.intervals {
		close(stop)
		delete(s.intervals, id)
	}
	for id := range s.onceVer {
		s.onceVer[id]++
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Upsert (re)registers a job. A disabled or manual-only job is simply
// deregistered; re-enabling registers it fresh, so interval cursors restart
// from now and one-shots in the past stay inert.
func (s *Scheduler) Upsert(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.deregisterLocked(job.ID)

	if !job.Enabled || !job.Schedule.TimeBased() {
		return
	}

	switch job.Schedule.Kind {
	case model.ScheduleCron:
		id, err := s.cron.AddFunc(job.Schedule.Expr, func() { s.fire(job.ID) })
		if err != nil {
			// Validation happens at job create/update; an expression that
			// still fails here is logged and skipped, not fatal.
			s.log.Error("cron registration", logx.String("job", job.ID), logx.Err(err))
			return
		}
		s.entries[job.ID] = id
	case model.ScheduleInterval:
		stop := make(chan struct{})
		s.intervals[job.ID] = stop
		go s.runInterval(job.ID, job.Schedule.Every, stop)
	case model.ScheduleOnce:
		s.onceVer[job.ID]++
		s.armOnce(job.ID, job.Schedule.At, s.onceVer[job.ID])
	}
	s.log.Debug("schedule registered", logx.String("job", job.ID),
		logx.String("kind", string(job.Schedule.Kind)),
		logx.String("next", schedule.Preview(job.Schedule, s.loc, 1)))
}

// Remove deregisters a job's schedule.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	s.deregisterLocked(jobID)
	s.mu.Unlock()
}

func (s *Scheduler) deregisterLocked(jobID string) {
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
	if stop, ok := s.intervals[jobID]; ok {
		close(stop)
		delete(s.intervals, jobID)
	}
	// Bumping the version makes any armed one-shot timer a no-op when it
	// eventually fires.
	s.onceVer[jobID]++
}

// runInterval fires every period. When evaluation falls behind (suspend,
// clock jump, long GC pause) the missed periods collapse into the single
// trigger that already fired and the cursor resynchronizes to now+period.
func (s *Scheduler) runInterval(jobID string, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		return
	}
	next := time.Now().Add(every)
	timer := time.NewTimer(every)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		s.fire(jobID)

		next = next.Add(every)
		if now := time.Now(); !next.After(now) {
			next = now.Add(every)
		}
		timer.Reset(time.Until(next))
	}
}

// armOnce schedules a single fire. A timestamp already in the past never
// fires; the schedule is inert from the start.
func (s *Scheduler) armOnce(jobID string, at time.Time, version uint64) {
	d := time.Until(at)
	if d <= 0 {
		s.log.Warn("one-shot schedule is in the past, never fires",
			logx.String("job", jobID), logx.Time("at", at))
		return
	}
	time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.onceVer[jobID] == version && !s.stopped
		s.mu.Unlock()
		if live {
			s.fire(jobID)
		}
	})
}

func (s *Scheduler) fire(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := s.trigger(ctx, jobID, model.OriginScheduled)
	switch {
	case err == nil:
		s.log.Debug("scheduled trigger admitted", logx.String("job", jobID), logx.String("run", run.ID))
	case errors.Is(err, engine.ErrAdmissionRejected):
		s.log.Debug("scheduled trigger rejected, job saturated", logx.String("job", jobID))
	case errors.Is(err, engine.ErrJobDisabled):
		// Disable raced the fire; the next Upsert deregisters us.
	default:
		s.log.Error("scheduled trigger", logx.String("job", jobID), logx.Err(err))
	}
}
