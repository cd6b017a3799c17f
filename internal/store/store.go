// Package store persists render jobs. Every state change is a conditional
// write: callers state which status they observed and the store applies the
// change only if that is still true.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelcraft/api/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DuplicateError is returned by CreateQueued when a live job already holds
// the idempotency key.
type DuplicateError struct {
	JobID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("idempotency key held by job %s", e.JobID)
}

// Condition guards a transition. The write applies only when the stored
// status is one of From and, if UpdatedBefore is set, the stored UpdatedAt
// is strictly earlier.
type Condition struct {
	From          []model.JobStatus
	UpdatedBefore time.Time
}

// Fields are written together with the new status. Zero values are left
// untouched.
type Fields struct {
	ProgressStage  string
	ExternalHandle *model.ExternalHandle
	ErrorCode      string
	ErrorMessage   string
	Output         *model.OutputRef
}

type Store interface {
	// CreateQueued inserts a new job in status queued.
	CreateQueued(ctx context.Context, job *model.Job) error
	// Transition applies to when cond holds. (false, nil) means the
	// condition did not hold or the job does not exist.
	Transition(ctx context.Context, id string, cond Condition, to model.JobStatus, f Fields) (bool, error)
	// RecordProgress raises the stored high-water mark of a processing job.
	RecordProgress(ctx context.Context, id string, percent int, stage string) (bool, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	// FindByIdempotencyKey returns the live (non-failed) job holding key.
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	// ListStale returns non-terminal jobs with UpdatedAt < cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)
}

// Purger is implemented by backends without native key expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

func MarkProcessing(ctx context.Context, s Store, id string, handle *model.ExternalHandle) (bool, error) {
	return s.Transition(ctx, id,
		Condition{From: []model.JobStatus{model.JobStatusQueued}},
		model.JobStatusProcessing,
		Fields{ExternalHandle: handle, ProgressStage: model.StageRendering})
}

func MarkCompleted(ctx context.Context, s Store, id string, out *model.OutputRef) (bool, error) {
	return s.Transition(ctx, id,
		Condition{From: []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}},
		model.JobStatusCompleted,
		Fields{Output: out, ProgressStage: model.StageDone})
}

func MarkFailed(ctx context.Context, s Store, id, code, message string) (bool, error) {
	return s.Transition(ctx, id,
		Condition{From: []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}},
		model.JobStatusFailed,
		Fields{ErrorCode: code, ErrorMessage: message})
}

// checkTransition rejects conditions that could move a job backwards.
func checkTransition(cond Condition, to model.JobStatus) error {
	if len(cond.From) == 0 {
		return fmt.Errorf("%w: empty from set", ErrInvalidTransition)
	}
	for _, from := range cond.From {
		if !model.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
	}
	return nil
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now       func() time.Time
	retention time.Duration
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetention sets how long job records are kept (default 7 days).
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, retention: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp returns the write time at the precision every backend stores.
func (o options) stamp() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}

// laterOf keeps UpdatedAt non-decreasing under clock skew.
func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func validateNew(job *model.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("create: job id required")
	}
	if job.Status != "" && job.Status != model.JobStatusQueued {
		return fmt.Errorf("create: job must start queued, got %s", job.Status)
	}
	return nil
}
