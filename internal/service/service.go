// Package service is the programmatic facade over the engine, scheduler,
// storage, and log streamer. Outer surfaces (REST, dashboards) are expected
// to sit on top of it; the core never exposes them itself.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"opsrunner/internal/engine"
	"opsrunner/internal/eventbus"
	"opsrunner/internal/logstream"
	"opsrunner/internal/model"
	"opsrunner/internal/schedule"
	"opsrunner/internal/scheduler"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

type Service struct {
	store   storage.Store
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	streams *logstream.Streamer
	bus     eventbus.Bus
	log     logx.Logger
}

func New(store storage.Store, eng *engine.Engine, sched *scheduler.Scheduler, streams *logstream.Streamer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, engine: eng, sched: sched, streams: streams, bus: bus, log: log}
}

// CreateJob validates and persists a new job, registering its schedule.
// Validation failures reject the job before anything is stored.
func (s *Service) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.validate(job); err != nil {
		return model.Job{}, err
	}
	if err := s.store.UpsertJob(ctx, job); err != nil {
		return model.Job{}, err
	}
	s.afterJobChange(job)
	s.log.Info("job created", logx.String("job", job.ID), logx.String("name", job.Name), logx.String("kind", string(job.Kind)))
	return job, nil
}

// UpdateJob replaces an existing job's configuration. Disabling a job with a
// pending run cancels that run; the active run, if any, keeps going.
func (s *Service) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	prev, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return model.Job{}, err
	}
	job.CreatedAt = prev.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	if err := s.validate(job); err != nil {
		return model.Job{}, err
	}
	if err := s.store.UpsertJob(ctx, job); err != nil {
		return model.Job{}, err
	}
	if prev.Enabled && !job.Enabled {
		s.engine.CancelPendingFor(job.ID)
	}
	s.afterJobChange(job)
	s.log.Info("job updated", logx.String("job", job.ID), logx.Bool("enabled", job.Enabled))
	return job, nil
}

// DeleteJob removes the job and deregisters its schedule. A pending run is
// cancelled; runs already terminal stay in history untouched.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	s.engine.CancelPendingFor(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.sched.Remove(id)
	if s.bus != nil {
		s.bus.PublishJob(eventbus.JobEvent{JobID: id, Removed: true})
	}
	s.log.Info("job deleted", logx.String("job", id))
	return nil
}

// DuplicateJob clones a job under a fresh identity with cleared schedule
// state.
func (s *Service) DuplicateJob(ctx context.Context, id string) (model.Job, error) {
	src, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	cp := src.Duplicate(uuid.NewString(), time.Now().UTC())
	if err := s.store.UpsertJob(ctx, cp); err != nil {
		return model.Job{}, err
	}
	s.afterJobChange(cp)
	s.log.Info("job duplicated", logx.String("src", id), logx.String("job", cp.ID))
	return cp, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (model.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.store.ListJobs(ctx)
}

// TriggerRun admits a manual/API run for the job.
func (s *Service) TriggerRun(ctx context.Context, jobID string, origin model.TriggerOrigin) (model.Run, error) {
	return s.engine.TriggerRun(ctx, jobID, origin)
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	return s.engine.CancelRun(ctx, runID)
}

func (s *Service) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// RunHistory returns the job's runs, most recent first.
func (s *Service) RunHistory(ctx context.Context, jobID string, limit int) ([]model.Run, error) {
	return s.store.RunHistory(ctx, jobID, limit)
}

// RunsBetween returns the job's runs started in [from, to).
func (s *Service) RunsBetween(ctx context.Context, jobID string, from, to time.Time) ([]model.Run, error) {
	return s.store.RunsBetween(ctx, jobID, from, to)
}

// SubscribeLogs streams a run's output: the persisted prefix first, then live
// chunks. The channel closes at end of stream; call cancel to detach early.
func (s *Service) SubscribeLogs(ctx context.Context, runID string) (<-chan model.LogChunk, func(), error) {
	return s.streams.Subscribe(ctx, runID)
}

// RunEvents streams run status transitions for outer surfaces. Events are
// published after the transition is persisted.
func (s *Service) RunEvents(buffer int) (<-chan model.StatusEvent, func()) {
	return s.bus.SubscribeRuns(buffer)
}

// JobEvents streams job create/update/delete notifications.
func (s *Service) JobEvents(buffer int) (<-chan eventbus.JobEvent, func()) {
	return s.bus.SubscribeJobs(buffer)
}

func (s *Service) validate(job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := schedule.Validate(job.Schedule); err != nil {
		var v model.ValidationError
		v.Add(err)
		return &v
	}
	return nil
}

func (s *Service) afterJobChange(job model.Job) {
	s.sched.Upsert(job)
	if s.bus != nil {
		s.bus.PublishJob(eventbus.JobEvent{JobID: job.ID})
	}
}

// IsNotFound reports whether err is the store's missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
