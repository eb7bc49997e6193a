package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"opsrunner/internal/model"
)

// memoryStore keeps everything in process memory. It exists for tests and for
// throwaway local runs; it provides the same ordering guarantees as the SQL
// backends but no durability.
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]model.Job
	runs   map[string]model.Run
	chunks map[string][]model.LogChunk
}

func NewMemory() Store {
	return &memoryStore{
		jobs:   map[string]model.Job{},
		runs:   map[string]model.Run{},
		chunks: map[string][]model.LogChunk{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertJob(ctx context.Context, j model.Job) error {
	_ = ctx
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *memoryStore) InsertRun(ctx context.Context, r model.Run) error {
	_ = ctx
	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) UpdateRun(ctx context.Context, r model.Run) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrNotFound
	}
	s.runs[r.ID] = r
	return nil
}

func (s *memoryStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) RunHistory(ctx context.Context, jobID string, limit int) ([]model.Run, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.runsForJobLocked(jobID)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) RunsBetween(ctx context.Context, jobID string, from, to time.Time) ([]model.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.runsForJobLocked(jobID)
	out := make([]model.Run, 0, len(all))
	for _, r := range all {
		if !r.StartedAt.Before(from) && r.StartedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) runsForJobLocked(jobID string) []model.Run {
	var out []model.Run
	for _, r := range s.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

func (s *memoryStore) MarkStaleRunsFailed(ctx context.Context, diagnostic string) (int, error) {
	_ = ctx
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.Status.Terminal() {
			continue
		}
		r.Status = model.StatusFailed
		r.FinishedAt = &now
		r.ExitCode = -1
		r.Diagnostic = diagnostic
		s.runs[id] = r
		n++
	}
	return n, nil
}

func (s *memoryStore) AppendLogChunk(ctx context.Context, c model.LogChunk) error {
	_ = ctx
	s.mu.Lock()
	s.chunks[c.RunID] = append(s.chunks[c.RunID], c)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) LogChunks(ctx context.Context, runID string) ([]model.LogChunk, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.chunks[runID]
	out := make([]model.LogChunk, len(src))
	copy(out, src)
	return out, nil
}
