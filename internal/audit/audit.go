// Package audit keeps one record per reaper sweep.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/internal/model"
)

type Sink interface {
	Record(ctx context.Context, a model.SweepAudit) error
	Recent(ctx context.Context, n int) ([]model.SweepAudit, error)
}

const (
	sweepListKey    = "render:audit:sweeps"
	defaultMaxItems = 1000
)

// RedisSink appends to a capped list, newest first.
type RedisSink struct {
	rdb redis.UniversalClient
	max int64
}

func NewRedisSink(rdb redis.UniversalClient, maxItems int) *RedisSink {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &RedisSink{rdb: rdb, max: int64(maxItems)}
}

func (s *RedisSink) Record(ctx context.Context, a model.SweepAudit) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode sweep audit: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, sweepListKey, b)
	pipe.LTrim(ctx, sweepListKey, 0, s.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write sweep audit: %w", err)
	}
	return nil
}

func (s *RedisSink) Recent(ctx context.Context, n int) ([]model.SweepAudit, error) {
	raw, err := s.rdb.LRange(ctx, sweepListKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read sweep audit: %w", err)
	}
	out := make([]model.SweepAudit, 0, len(raw))
	for _, r := range raw {
		var a model.SweepAudit
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("decode sweep audit: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS reaper_audit (
    sweep_id       TEXT PRIMARY KEY,
    started_at     INTEGER NOT NULL,
    finished_at    INTEGER NOT NULL,
    lock_mode      TEXT NOT NULL,
    stuck_after_ms INTEGER NOT NULL,
    checked        INTEGER NOT NULL,
    marked_stuck   INTEGER NOT NULL,
    skipped        INTEGER NOT NULL,
    marked_ids     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_reaper_audit_started ON reaper_audit(started_at);
`

// SQLiteSink writes to the reaper_audit table of the job database.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, a model.SweepAudit) error {
	ids, err := json.Marshal(nonNil(a.MarkedIDs))
	if err != nil {
		return fmt.Errorf("encode marked ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reaper_audit (sweep_id, started_at, finished_at, lock_mode, stuck_after_ms, checked, marked_stuck, skipped, marked_ids)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SweepID, a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(), a.LockMode,
		a.StuckAfterMs, a.Checked, a.MarkedStuck, a.Skipped, string(ids))
	if err != nil {
		return fmt.Errorf("insert sweep audit: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]model.SweepAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sweep_id, started_at, finished_at, lock_mode, stuck_after_ms, checked, marked_stuck, skipped, marked_ids
         FROM reaper_audit ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query sweep audit: %w", err)
	}
	defer rows.Close()

	var out []model.SweepAudit
	for rows.Next() {
		var (
			a                 model.SweepAudit
			started, finished int64
			ids               string
		)
		if err := rows.Scan(&a.SweepID, &started, &finished, &a.LockMode, &a.StuckAfterMs,
			&a.Checked, &a.MarkedStuck, &a.Skipped, &ids); err != nil {
			return nil, err
		}
		a.StartedAt = time.UnixMilli(started).UTC()
		a.FinishedAt = time.UnixMilli(finished).UTC()
		if err := json.Unmarshal([]byte(ids), &a.MarkedIDs); err != nil {
			return nil, fmt.Errorf("decode marked ids: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
