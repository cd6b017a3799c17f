package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelcraft/api/internal/service"
	"github.com/reelcraft/api/internal/store"
)

// ReaperWorker runs the periodic render:reap task: one stuck-job sweep,
// then a retention purge on backends that need one.
type ReaperWorker struct {
	reaper    *service.Reaper
	purger    store.Purger
	retention time.Duration
	log       *slog.Logger
}

// NewReaperWorker builds the worker. purger may be nil for backends with
// native expiry.
func NewReaperWorker(reaper *service.Reaper, purger store.Purger, retention time.Duration) *ReaperWorker {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &ReaperWorker{
		reaper:    reaper,
		purger:    purger,
		retention: retention,
		log:       slog.With("component", "reaper-worker"),
	}
}

func (w *ReaperWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	res, err := w.reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	w.log.Debug("sweep done", "checked", res.Checked, "markedStuck", res.MarkedStuck)

	if w.purger != nil {
		n, err := w.purger.PurgeExpired(ctx, time.Now().Add(-w.retention))
		if err != nil {
			w.log.Warn("retention purge failed", "error", err)
		} else if n > 0 {
			w.log.Info("purged expired jobs", "count", n)
		}
	}
	return nil
}
