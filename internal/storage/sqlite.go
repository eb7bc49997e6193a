package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, j model.Job) error {
	blob, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, kind, enabled, config, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, kind=excluded.kind, enabled=excluded.enabled,
		   config=excluded.config, updated_at=excluded.updated_at`,
		j.ID, j.Name, string(j.Kind), boolInt(j.Enabled), string(blob),
		j.CreatedAt.Format(time.RFC3339Nano), j.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM jobs WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	var j model.Job
	if err := json.Unmarshal([]byte(blob), &j); err != nil {
		return model.Job{}, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return j, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var j model.Job
		if err := json.Unmarshal([]byte(blob), &j); err != nil {
			s.log.Warn("skipping corrupt job record", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertRun(ctx context.Context, r model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, string(r.Origin), string(r.Status),
		r.StartedAt.Format(time.RFC3339Nano), nullTime(r.FinishedAt),
		r.ExitCode, nullStr(r.Diagnostic), boolInt(r.Forced),
	)
	return err
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r model.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, finished_at=?, exit_code=?, diagnostic=?, forced=? WHERE id=?`,
		string(r.Status), nullTime(r.FinishedAt), r.ExitCode, nullStr(r.Diagnostic), boolInt(r.Forced), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) RunHistory(ctx context.Context, jobID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) RunsBetween(ctx context.Context, jobID string, from, to time.Time) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE job_id = ? AND started_at >= ? AND started_at < ?
		 ORDER BY started_at DESC`,
		jobID, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) MarkStaleRunsFailed(ctx context.Context, diagnostic string) (int, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, finished_at=?, exit_code=-1, diagnostic=?
		 WHERE status IN (?, ?)`,
		string(model.StatusFailed), now, diagnostic,
		string(model.StatusQueued), string(model.StatusRunning),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendLogChunk(ctx context.Context, c model.LogChunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log_chunks(run_id, seq, payload, at) VALUES(?,?,?,?)`,
		c.RunID, c.Seq, c.Payload, c.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LogChunks(ctx context.Context, runID string) ([]model.LogChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, payload, at FROM run_log_chunks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		var at string
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Payload, &at); err != nil {
			return nil, err
		}
		c.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r        model.Run
		origin   string
		status   string
		started  string
		finished sql.NullString
		diag     sql.NullString
		forced   int
	)
	err := row.Scan(&r.ID, &r.JobID, &origin, &status, &started, &finished, &r.ExitCode, &diag, &forced)
	if err != nil {
		return model.Run{}, err
	}
	r.Origin = model.TriggerOrigin(origin)
	r.Status = model.RunStatus(status)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	r.Diagnostic = diag.String
	r.Forced = forced != 0
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]model.Run, error) {
	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
