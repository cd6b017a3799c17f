package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/reelcraft/api/internal/apperrors"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/service"
)

// defaultMaxWatchAttempts bounds a watch chain; anything still running
// after that is left to the reaper.
const defaultMaxWatchAttempts = 400

// Broadcaster pushes snapshots to live subscribers.
type Broadcaster interface {
	BroadcastSnapshot(s *model.ProgressSnapshot)
}

// StatusSource is the part of the render service the watcher polls.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (*model.ProgressSnapshot, error)
}

// WatchWorker polls a job's progress in the background so jobs finalize
// and subscribers get updates even when no client is polling.
type WatchWorker struct {
	renders     StatusSource
	watch       *service.WatchScheduler
	hub         Broadcaster
	maxAttempts int
	log         *slog.Logger
}

func NewWatchWorker(renders StatusSource, watch *service.WatchScheduler, hub Broadcaster, maxAttempts int) *WatchWorker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxWatchAttempts
	}
	return &WatchWorker{
		renders:     renders,
		watch:       watch,
		hub:         hub,
		maxAttempts: maxAttempts,
		log:         slog.With("component", "watch-worker"),
	}
}

// ProcessTask handles render:watch.
func (w *WatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.WatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal watch payload: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.With("jobId", p.JobID, "attempt", p.Attempt)

	snap, err := w.renders.Status(ctx, p.JobID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		log.Info("job gone, stopping watch")
		return nil
	case err != nil:
		log.Warn("status poll failed", "error", err)
	default:
		if w.hub != nil {
			w.hub.BroadcastSnapshot(snap)
		}
		if snap.Status == model.SnapshotCompleted || snap.Status == model.SnapshotFailed {
			log.Debug("job terminal, watch finished", "status", snap.Status)
			return nil
		}
	}

	if p.Attempt >= w.maxAttempts {
		log.Warn("watch attempts exhausted")
		return nil
	}
	if err := w.watch.Schedule(ctx, p.JobID, p.Attempt+1); err != nil {
		return fmt.Errorf("reschedule watch: %w", err)
	}
	return nil
}
