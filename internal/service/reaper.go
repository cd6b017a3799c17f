package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelcraft/api/internal/audit"
	"github.com/reelcraft/api/internal/lease"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/observability"
	"github.com/reelcraft/api/internal/store"
)

// ReaperLockName is the lease every reaper instance competes for.
const ReaperLockName = "render:reaper:lock"

type ReaperConfig struct {
	StuckAfter time.Duration
	BatchSize  int
	LeaseTTL   time.Duration
}

// Reaper fails jobs whose record has not been touched for StuckAfter.
type Reaper struct {
	store   store.Store
	locker  lease.Locker
	sink    audit.Sink
	cfg     ReaperConfig
	metrics *observability.Metrics
	now     func() time.Time
	log     *slog.Logger
}

// NewReaper builds a reaper. locker and sink may be nil: without a locker
// sweeps run lock-free, without a sink nothing is audited.
func NewReaper(s store.Store, locker lease.Locker, sink audit.Sink, cfg ReaperConfig, metrics *observability.Metrics) *Reaper {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Reaper{
		store:   s,
		locker:  locker,
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		log:     slog.With("component", "reaper"),
	}
}

// Sweep runs one pass. A second instance that finds the lease held
// returns an empty result; running Sweep twice in a row marks nothing the
// second time because every marked job is terminal.
func (r *Reaper) Sweep(ctx context.Context) (*model.SweepResult, error) {
	started := r.now()
	rec := model.SweepAudit{
		SweepID:      uuid.New().String(),
		StartedAt:    started.UTC(),
		StuckAfterMs: r.cfg.StuckAfter.Milliseconds(),
		MarkedIDs:    []string{},
	}
	log := r.log.With("sweepId", rec.SweepID)

	mode, release := r.acquire(ctx, log)
	rec.LockMode = mode
	defer release()

	result := &model.SweepResult{}
	var sweepErr error
	if mode != model.LockModeContended {
		sweepErr = r.sweep(ctx, log, started, result, &rec)
	}

	finished := r.now()
	result.Timestamp = finished.UTC()
	rec.FinishedAt = finished.UTC()
	rec.Checked = result.Checked
	rec.MarkedStuck = result.MarkedStuck
	rec.Skipped = result.Skipped
	r.record(ctx, log, rec)
	r.metrics.RecordSweep(ctx, mode, result.MarkedStuck, finished.Sub(started))

	if sweepErr != nil {
		return result, sweepErr
	}
	if result.MarkedStuck > 0 || mode != model.LockModeLease {
		log.Info("sweep finished", "lockMode", mode, "checked", result.Checked,
			"markedStuck", result.MarkedStuck, "skipped", result.Skipped)
	}
	return result, nil
}

func (r *Reaper) acquire(ctx context.Context, log *slog.Logger) (string, func()) {
	if r.locker == nil {
		return model.LockModeLockFree, func() {}
	}
	l, ok, err := r.locker.Acquire(ctx, ReaperLockName, r.cfg.LeaseTTL)
	if err != nil {
		log.Warn("lease unavailable, sweeping without it", "error", err)
		return model.LockModeLockFree, func() {}
	}
	if !ok {
		log.Debug("lease held by another reaper")
		return model.LockModeContended, func() {}
	}
	return model.LockModeLease, func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			log.Warn("lease release failed", "error", err)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, log *slog.Logger, started time.Time, result *model.SweepResult, rec *model.SweepAudit) error {
	cutoff := started.Add(-r.cfg.StuckAfter)
	jobs, err := r.store.ListStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		msg := fmt.Sprintf("job stuck in %s: no progress for more than %s", job.Status, r.cfg.StuckAfter)
		applied, err := r.store.Transition(ctx, job.ID,
			store.Condition{From: []model.JobStatus{job.Status}, UpdatedBefore: cutoff},
			model.JobStatusFailed,
			store.Fields{ErrorCode: model.ErrCodeTimeoutStuck, ErrorMessage: msg})
		if err != nil {
			log.Warn("mark stuck failed", "jobId", job.ID, "error", err)
			result.Skipped++
			continue
		}
		if !applied {
			// progressed or finished since the scan
			result.Skipped++
			continue
		}
		result.MarkedStuck++
		rec.MarkedIDs = append(rec.MarkedIDs, job.ID)
		r.metrics.RecordFailed(ctx, model.ErrCodeTimeoutStuck)
		log.Info("job marked stuck", "jobId", job.ID, "was", job.Status, "updatedAt", job.UpdatedAt)
	}
	return nil
}

func (r *Reaper) record(ctx context.Context, log *slog.Logger, rec model.SweepAudit) {
	if r.sink == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := r.sink.Record(actx, rec); err != nil {
		log.Warn("sweep audit not recorded", "error", err)
	}
}
