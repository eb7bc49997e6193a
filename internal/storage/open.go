package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

var ErrNotFound = errors.New("record not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL DSN in Path
//   - "memory": in-process store, test use only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the engine, scheduler, and log
// streamer. All writes are durable when the call returns.
type Store interface {
	UpsertJob(ctx context.Context, j model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]model.Job, error)

	InsertRun(ctx context.Context, r model.Run) error
	UpdateRun(ctx context.Context, r model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	// RunHistory returns runs for a job, most recent first.
	RunHistory(ctx context.Context, jobID string, limit int) ([]model.Run, error)
	// RunsBetween returns runs started in [from, to), most recent first.
	RunsBetween(ctx context.Context, jobID string, from, to time.Time) ([]model.Run, error)
	// MarkStaleRunsFailed fails every non-terminal run, returning how many it
	// touched. Called once at startup; a run left queued/running by a crash
	// will never progress.
	MarkStaleRunsFailed(ctx context.Context, diagnostic string) (int, error)

	AppendLogChunk(ctx context.Context, c model.LogChunk) error
	// LogChunks returns all chunks for a run in sequence order.
	LogChunks(ctx context.Context, runID string) ([]model.LogChunk, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
