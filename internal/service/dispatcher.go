package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reelcraft/api/internal/apperrors"
	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/observability"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/store"
	"github.com/reelcraft/api/pkg/circuitbreaker"
)

// statusWriteTimeout bounds the store write that records a dispatch outcome
// after the caller's context may already be gone.
const statusWriteTimeout = 5 * time.Second

type DispatcherConfig struct {
	Timeout       time.Duration // bounded wait for the fleet to accept
	RenderTimeout time.Duration // forwarded to the fleet
	Bucket        string
	Codec         string
}

// Dispatcher hands a planned job to the render fleet and records the result.
type Dispatcher struct {
	fleet   client.RenderFleet
	store   store.Store
	breaker *circuitbreaker.Breaker
	cfg     DispatcherConfig
	metrics *observability.Metrics
	log     *slog.Logger
}

func NewDispatcher(fleet client.RenderFleet, s store.Store, breaker *circuitbreaker.Breaker, cfg DispatcherConfig, metrics *observability.Metrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{})
	}
	return &Dispatcher{
		fleet:   fleet,
		store:   s,
		breaker: breaker,
		cfg:     cfg,
		metrics: metrics,
		log:     slog.With("component", "dispatcher"),
	}
}

// OutputPrefix is where a job's finished artifact lives in the destination bucket.
func OutputPrefix(jobID string) string {
	return fmt.Sprintf("renders/%s/", jobID)
}

// Submit sends job to the fleet within the dispatch timeout. On failure the
// job is moved to failed and an apperrors.ErrUnavailable error is returned.
// No retry is attempted.
func (d *Dispatcher) Submit(ctx context.Context, job *model.Job, plan planner.ShardPlan) (*model.ExternalHandle, error) {
	log := d.log.With("jobId", job.ID)

	req := &client.SubmitRenderRequest{
		CompositionID:   job.CompositionID,
		FramesPerWorker: plan.ShardSize,
		TotalFrames:     plan.TotalFrames,
		FPS:             plan.FPS,
		Width:           job.Width,
		Height:          job.Height,
		Codec:           d.cfg.Codec,
		TimeoutMs:       d.cfg.RenderTimeout.Milliseconds(),
		Destination:     client.Destination{Bucket: d.cfg.Bucket, Prefix: OutputPrefix(job.ID)},
		InputProps:      job.InputProps,
		AssetToken:      job.AssetToken,
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var resp *client.SubmitRenderResponse
	err := d.breaker.Do(func() error {
		var err error
		resp, err = d.fleet.Submit(submitCtx, req)
		return err
	}, rejectedByFleet)
	elapsed := time.Since(start)

	if err != nil {
		code := model.ErrCodeRenderStartFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(submitCtx.Err(), context.DeadlineExceeded) {
			code = model.ErrCodeRenderStartTimeout
		}
		d.metrics.RecordDispatch(ctx, elapsed, code)
		log.Warn("render submit failed", "code", code, "elapsed", elapsed, "error", err)
		d.fail(ctx, job.ID, code, dispatchMessage(code, err, d.cfg.Timeout))
		return nil, apperrors.Unavailable(code, job.ID, fmt.Errorf("submit render: %w", err))
	}
	d.metrics.RecordDispatch(ctx, elapsed, "")

	handle := &model.ExternalHandle{
		RenderID:    resp.RenderID,
		Bucket:      resp.Bucket,
		ShardSize:   plan.ShardSize,
		ShardCount:  plan.ShardCount(),
		TotalFrames: plan.TotalFrames,
		FPS:         plan.FPS,
	}

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancelWrite()
	applied, err := store.MarkProcessing(writeCtx, d.store, job.ID, handle)
	switch {
	case err != nil:
		// The reaper fails the job if it never leaves queued.
		log.Error("failed to record processing", "renderId", handle.RenderID, "error", err)
	case !applied:
		log.Warn("queued->processing not applied", "renderId", handle.RenderID)
	default:
		log.Info("render dispatched", "renderId", handle.RenderID, "shardSize", plan.ShardSize,
			"shards", plan.ShardCount(), "elapsed", elapsed)
	}
	return handle, nil
}

func (d *Dispatcher) fail(ctx context.Context, jobID, code, msg string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	applied, err := store.MarkFailed(writeCtx, d.store, jobID, code, msg)
	if err != nil {
		d.log.Error("failed to record dispatch failure", "jobId", jobID, "error", err)
		return
	}
	if !applied {
		d.log.Warn("queued->failed not applied", "jobId", jobID)
		return
	}
	d.metrics.RecordFailed(ctx, code)
}

// rejectedByFleet reports a 4xx answer about this request. Those say nothing
// about fleet health and must not open the breaker for other callers.
// 408 and 429 are capacity signals and still count.
func rejectedByFleet(err error) bool {
	var se *client.FleetStatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

func dispatchMessage(code string, err error, timeout time.Duration) string {
	if code == model.ErrCodeRenderStartTimeout {
		return fmt.Sprintf("render fleet did not accept the job within %s", timeout)
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "render fleet unavailable"
	}
	return fmt.Sprintf("render fleet rejected the job: %v", err)
}
