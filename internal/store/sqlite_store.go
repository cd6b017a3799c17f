package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/pkg/backoff"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
    id               TEXT PRIMARY KEY,
    idempotency_key  TEXT NOT NULL DEFAULT '',
    caller_id        TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    progress_stage   TEXT NOT NULL DEFAULT '',
    progress_percent INTEGER NOT NULL DEFAULT 0,
    external_handle  TEXT,
    composition_id   TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    fps              INTEGER NOT NULL DEFAULT 0,
    total_frames     INTEGER NOT NULL DEFAULT 0,
    width            INTEGER NOT NULL DEFAULT 0,
    height           INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    error_code       TEXT,
    error_message    TEXT,
    output           TEXT,
    input_props      TEXT,
    asset_token      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_render_jobs_idem_live
    ON render_jobs(idempotency_key)
    WHERE status <> 'failed' AND idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_render_jobs_stale ON render_jobs(status, updated_at);
`

const jobColumns = `id, idempotency_key, caller_id, status, progress_stage, progress_percent,
    external_handle, composition_id, duration_ms, fps, total_frames, width, height, created_at, updated_at,
    error_code, error_message, output, input_props, asset_token`

const (
	sqliteBusyCode    = 5
	busyRetryAttempts = 5
)

// SQLiteStore is the single-node backend. Timestamps are unix milliseconds so
// staleness comparisons stay numeric.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer per process; other processes (renderctl) are absorbed by
	// busy_timeout and retryOnBusy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(jobsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// DB exposes the handle so the audit sink can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	cfg := &backoff.Config{Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond}
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		if err = op(); err == nil || !isSQLiteBusy(err) {
			return err
		}
		select {
		case <-time.After(backoff.Exponential(attempt, cfg)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (s *SQLiteStore) CreateQueued(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	now := s.opts.stamp()
	handle, err := nullJSON(job.ExternalHandle)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx,
		`INSERT INTO render_jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)`,
		job.ID, job.IdempotencyKey, job.CallerID, string(model.JobStatusQueued),
		job.ProgressStage, job.ProgressPercent, handle, job.CompositionID,
		job.DurationMs, job.FPS, job.TotalFrames, job.Width, job.Height, millis(now), millis(now),
		nullString(string(job.InputProps)), nullString(job.AssetToken),
	)
	if err != nil {
		return s.classifyInsertError(ctx, job, err)
	}
	job.Status = model.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// classifyInsertError works out which uniqueness rule rejected the insert by
// looking at the rows rather than parsing driver messages.
func (s *SQLiteStore) classifyInsertError(ctx context.Context, job *model.Job, insertErr error) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM render_jobs WHERE id = ?`, job.ID).Scan(&n); err == nil && n > 0 {
		return ErrAlreadyExists
	}
	if job.IdempotencyKey != "" {
		var holder string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM render_jobs WHERE idempotency_key = ? AND status <> 'failed' LIMIT 1`,
			job.IdempotencyKey).Scan(&holder)
		if err == nil {
			return &DuplicateError{JobID: holder}
		}
	}
	return fmt.Errorf("insert job %s: %w", job.ID, insertErr)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, cond Condition, to model.JobStatus, f Fields) (bool, error) {
	if err := checkTransition(cond, to); err != nil {
		return false, err
	}

	sets := []string{"status = ?", "updated_at = MAX(updated_at, ?)"}
	args := []any{string(to), millis(s.opts.stamp())}
	if f.ProgressStage != "" {
		sets = append(sets, "progress_stage = ?")
		args = append(args, f.ProgressStage)
	}
	if f.ExternalHandle != nil {
		v, err := nullJSON(f.ExternalHandle)
		if err != nil {
			return false, err
		}
		sets = append(sets, "external_handle = ?")
		args = append(args, v)
	}
	if f.ErrorCode != "" {
		sets = append(sets, "error_code = ?")
		args = append(args, f.ErrorCode)
	}
	if f.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, f.ErrorMessage)
	}
	if f.Output != nil {
		v, err := nullJSON(f.Output)
		if err != nil {
			return false, err
		}
		sets = append(sets, "output = ?")
		args = append(args, v)
	}
	if to == model.JobStatusCompleted {
		sets = append(sets, "progress_percent = 100")
	}
	if to.Terminal() {
		sets = append(sets, "input_props = NULL", "asset_token = NULL")
	}

	where := "id = ? AND status IN (" + placeholders(len(cond.From)) + ")"
	args = append(args, id)
	for _, from := range cond.From {
		args = append(args, string(from))
	}
	if !cond.UpdatedBefore.IsZero() {
		where += " AND updated_at < ?"
		args = append(args, millis(cond.UpdatedBefore))
	}

	res, err := s.exec(ctx, "UPDATE render_jobs SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordProgress(ctx context.Context, id string, percent int, stage string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE render_jobs
         SET progress_percent = ?,
             progress_stage = CASE WHEN ? <> '' THEN ? ELSE progress_stage END,
             updated_at = MAX(updated_at, ?)
         WHERE id = ? AND status = ? AND progress_percent < ?`,
		percent, stage, stage, millis(s.opts.stamp()), id, string(model.JobStatusProcessing), percent)
	if err != nil {
		return false, fmt.Errorf("record progress %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs WHERE idempotency_key = ? AND status <> 'failed' LIMIT 1`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs
         WHERE status IN (?, ?) AND updated_at < ?
         ORDER BY updated_at ASC
         LIMIT ?`,
		string(model.JobStatusQueued), string(model.JobStatusProcessing), millis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PurgeExpired deletes terminal jobs last written before olderThan.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM render_jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.JobStatusCompleted), string(model.JobStatusFailed), millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                      model.Job
		status                 string
		handle, output         sql.NullString
		errCode, errMsg        sql.NullString
		inputProps, assetToken sql.NullString
		createdAt, updatedAt   int64
	)
	if err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.CallerID, &status, &j.ProgressStage, &j.ProgressPercent,
		&handle, &j.CompositionID, &j.DurationMs, &j.FPS, &j.TotalFrames, &j.Width, &j.Height, &createdAt, &updatedAt,
		&errCode, &errMsg, &output, &inputProps, &assetToken,
	); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	j.ErrorCode = errCode.String
	j.ErrorMessage = errMsg.String
	j.AssetToken = assetToken.String
	if inputProps.Valid && inputProps.String != "" {
		j.InputProps = json.RawMessage(inputProps.String)
	}
	if handle.Valid {
		j.ExternalHandle = &model.ExternalHandle{}
		if err := json.Unmarshal([]byte(handle.String), j.ExternalHandle); err != nil {
			return nil, fmt.Errorf("decode external handle of %s: %w", j.ID, err)
		}
	}
	if output.Valid {
		j.Output = &model.OutputRef{}
		if err := json.Unmarshal([]byte(output.String), j.Output); err != nil {
			return nil, fmt.Errorf("decode output of %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *model.ExternalHandle:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *model.OutputRef:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
