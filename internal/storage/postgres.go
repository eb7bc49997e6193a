package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"opsrunner/internal/model"
	logx "opsrunner/pkg/logx"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

// postgresStore mirrors the sqlite backend against a shared PostgreSQL
// instance, for deployments where several control-plane replicas need one
// durable record store.
type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) UpsertJob(ctx context.Context, j model.Job) error {
	blob, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, kind, enabled, config, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(id) DO UPDATE SET
		   name=EXCLUDED.name, kind=EXCLUDED.kind, enabled=EXCLUDED.enabled,
		   config=EXCLUDED.config, updated_at=EXCLUDED.updated_at`,
		j.ID, j.Name, string(j.Kind), j.Enabled, string(blob), j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM jobs WHERE id = $1`, id).Scan(&blob)
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

func (s *postgresStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListJobs(ctx context.Context) ([]model.Job, error) {
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

func (s *postgresStore) InsertRun(ctx context.Context, r model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.JobID, string(r.Origin), string(r.Status),
		r.StartedAt, pgNullTime(r.FinishedAt), r.ExitCode, nullStr(r.Diagnostic), r.Forced,
	)
	return err
}

func (s *postgresStore) UpdateRun(ctx context.Context, r model.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=$1, finished_at=$2, exit_code=$3, diagnostic=$4, forced=$5 WHERE id=$6`,
		string(r.Status), pgNullTime(r.FinishedAt), r.ExitCode, nullStr(r.Diagnostic), r.Forced, r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE id = $1`, id)
	r, err := scanPGRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) RunHistory(ctx context.Context, jobID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGRuns(rows)
}

func (s *postgresStore) RunsBetween(ctx context.Context, jobID string, from, to time.Time) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, origin, status, started_at, finished_at, exit_code, diagnostic, forced
		 FROM runs WHERE job_id = $1 AND started_at >= $2 AND started_at < $3
		 ORDER BY started_at DESC`, jobID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGRuns(rows)
}

func (s *postgresStore) MarkStaleRunsFailed(ctx context.Context, diagnostic string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=$1, finished_at=NOW(), exit_code=-1, diagnostic=$2
		 WHERE status IN ($3, $4)`,
		string(model.StatusFailed), diagnostic,
		string(model.StatusQueued), string(model.StatusRunning),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) AppendLogChunk(ctx context.Context, c model.LogChunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log_chunks(run_id, seq, payload, at) VALUES($1,$2,$3,$4)`,
		c.RunID, int64(c.Seq), c.Payload, c.At,
	)
	return err
}

func (s *postgresStore) LogChunks(ctx context.Context, runID string) ([]model.LogChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, payload, at FROM run_log_chunks WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		var seq int64
		if err := rows.Scan(&c.RunID, &seq, &c.Payload, &c.At); err != nil {
			return nil, err
		}
		c.Seq = uint64(seq)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPGRun(row rowScanner) (model.Run, error) {
	var (
		r        model.Run
		origin   string
		status   string
		finished sql.NullTime
		diag     sql.NullString
	)
	err := row.Scan(&r.ID, &r.JobID, &origin, &status, &r.StartedAt, &finished, &r.ExitCode, &diag, &r.Forced)
	if err != nil {
		return model.Run{}, err
	}
	r.Origin = model.TriggerOrigin(origin)
	r.Status = model.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	r.Diagnostic = diag.String
	return r, nil
}

func collectPGRuns(rows *sql.Rows) ([]model.Run, error) {
	var out []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
