package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelcraft/api/pkg/backoff"
)

const (
	TaskTypeWatch = "render:watch"
	TaskTypeReap  = "render:reap"

	QueueRender      = "render"
	QueueMaintenance = "maintenance"
)

// WatchPayload is the body of a render:watch task.
type WatchPayload struct {
	JobID   string `json:"jobId"`
	Attempt int    `json:"attempt"`
}

// TaskEnqueuer is the part of *asynq.Client the services need.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewWatchTask(jobID string, attempt int) (*asynq.Task, error) {
	data, err := json.Marshal(WatchPayload{JobID: jobID, Attempt: attempt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWatch, data), nil
}

func NewReapTask() *asynq.Task {
	return asynq.NewTask(TaskTypeReap, nil)
}

// WatchScheduler enqueues the next progress poll for a job with a growing delay.
type WatchScheduler struct {
	enq     TaskEnqueuer
	backoff backoff.Config
}

func NewWatchScheduler(enq TaskEnqueuer, initial, max time.Duration) *WatchScheduler {
	return &WatchScheduler{enq: enq, backoff: backoff.Config{Initial: initial, Max: max}}
}

// Delay is how long attempt waits before it runs.
func (w *WatchScheduler) Delay(attempt int) time.Duration {
	return backoff.Exponential(attempt, &w.backoff)
}

// Schedule enqueues attempt for jobID. The task id makes a repeated call
// for the same attempt a no-op.
func (w *WatchScheduler) Schedule(ctx context.Context, jobID string, attempt int) error {
	if w == nil || w.enq == nil {
		return nil
	}
	task, err := NewWatchTask(jobID, attempt)
	if err != nil {
		return fmt.Errorf("build watch task: %w", err)
	}
	_, err = w.enq.EnqueueContext(ctx, task,
		asynq.Queue(QueueRender),
		asynq.ProcessIn(w.Delay(attempt)),
		asynq.TaskID(fmt.Sprintf("watch:%s:%d", jobID, attempt)),
		asynq.MaxRetry(0),
		asynq.Retention(time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue watch task: %w", err)
	}
	return nil
}
