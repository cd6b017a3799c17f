package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/reelcraft/api/internal/apperrors"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/observability"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/store"
)

// RenderService is the entry point for starting renders and reading their
// status. Request shape is validated by the caller; RenderService checks
// what only the planner can decide.
type RenderService struct {
	store      store.Store
	planner    *planner.Planner
	idem       *IdempotencyIndex
	dispatcher *Dispatcher
	aggregator *Aggregator
	watch      *WatchScheduler
	metrics    *observability.Metrics
	log        *slog.Logger
}

func NewRenderService(s store.Store, p *planner.Planner, d *Dispatcher, a *Aggregator, watch *WatchScheduler, metrics *observability.Metrics) *RenderService {
	return &RenderService{
		store:      s,
		planner:    p,
		idem:       NewIdempotencyIndex(s),
		dispatcher: d,
		aggregator: a,
		watch:      watch,
		metrics:    metrics,
		log:        slog.With("component", "render"),
	}
}

// Start plans, persists and dispatches a render. A request whose
// fingerprint matches a live job returns that job as a duplicate.
func (s *RenderService) Start(ctx context.Context, req *model.RenderStartRequest, callerID string) (*model.RenderStartResponse, error) {
	plan, err := s.planner.Plan(req.TotalDurationMs(), req.FPS)
	if err != nil {
		s.metrics.RecordStart(ctx, "invalid")
		if errors.Is(err, planner.ErrTooManyFrames) {
			return nil, apperrors.Validation("scenes", "total duration is too long to render")
		}
		return nil, apperrors.Validation("scenes", err.Error())
	}

	key := Fingerprint(req, plan.DurationMs, plan.FPS)
	if existing := s.idem.Lookup(ctx, key); existing != nil {
		return s.duplicate(ctx, existing.ID), nil
	}

	job := &model.Job{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		CallerID:       callerID,
		Status:         model.JobStatusQueued,
		ProgressStage:  model.StageQueued,
		CompositionID:  req.CompositionID,
		DurationMs:     plan.DurationMs,
		FPS:            plan.FPS,
		TotalFrames:    plan.TotalFrames,
		Width:          req.Width,
		Height:         req.Height,
		InputProps:     req.InputProps,
		AssetToken:     req.AssetToken,
	}
	if err := s.store.CreateQueued(ctx, job); err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			return s.duplicate(ctx, dup.JobID), nil
		}
		return nil, apperrors.Internal("create job", err)
	}

	log := s.log.With("jobId", job.ID)
	log.Info("render queued", "compositionId", job.CompositionID, "frames", plan.TotalFrames,
		"shardSize", plan.ShardSize, "callerId", callerID)

	if _, err := s.dispatcher.Submit(ctx, job, plan); err != nil {
		s.metrics.RecordStart(ctx, "dispatch_failed")
		return nil, err
	}

	if err := s.watch.Schedule(ctx, job.ID, 1); err != nil {
		// status polling and the reaper still cover this job
		log.Warn("watch not scheduled", "error", err)
	}

	s.metrics.RecordStart(ctx, model.StartAccepted)
	return &model.RenderStartResponse{JobID: job.ID, Status: model.StartAccepted}, nil
}

func (s *RenderService) duplicate(ctx context.Context, jobID string) *model.RenderStartResponse {
	s.metrics.RecordStart(ctx, model.StartDuplicate)
	s.log.Info("duplicate render request", "jobId", jobID)
	return &model.RenderStartResponse{JobID: jobID, Status: model.StartDuplicate}
}

// Status polls the job's progress and returns the current snapshot.
func (s *RenderService) Status(ctx context.Context, jobID string) (*model.ProgressSnapshot, error) {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap, err := s.aggregator.Poll(ctx, job)
	if err != nil {
		return nil, apperrors.Internal("poll progress", err)
	}
	return snap, nil
}

// Job returns the stored record.
func (s *RenderService) Job(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Internal(fmt.Sprintf("get job %s", jobID), err)
	}
	return job, nil
}
