package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"time"

	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/observability"
	"github.com/reelcraft/api/internal/store"
)

// Weights blend the three phases of a render into one percentage.
type Weights struct {
	Render  float64
	Encode  float64
	Combine float64
}

// DefaultWeights is the 60/30/10 split.
func DefaultWeights() Weights {
	return Weights{Render: 0.6, Encode: 0.3, Combine: 0.1}
}

// normalized scales w to sum to 1; non-positive input falls back to defaults.
func (w Weights) normalized() Weights {
	if w.Render < 0 || w.Encode < 0 || w.Combine < 0 {
		return DefaultWeights()
	}
	sum := w.Render + w.Encode + w.Combine
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Render: w.Render / sum, Encode: w.Encode / sum, Combine: w.Combine / sum}
}

type AggregatorConfig struct {
	ProgressTimeout time.Duration
	// Bounds each Head, Copy and presign call during finalization.
	StorageTimeout  time.Duration
	PresignExpiry   time.Duration
	Weights         Weights
}

// Aggregator turns the fleet's per-render progress artifact into a client
// snapshot and drives completion once the fleet reports done.
type Aggregator struct {
	store   store.Store
	fleet   client.RenderFleet
	storage client.StorageClient
	cfg     AggregatorConfig
	metrics *observability.Metrics
	log     *slog.Logger
}

func NewAggregator(s store.Store, fleet client.RenderFleet, storage client.StorageClient, cfg AggregatorConfig, metrics *observability.Metrics) *Aggregator {
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = 10 * time.Second
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 15 * time.Second
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 24 * time.Hour
	}
	cfg.Weights = cfg.Weights.normalized()
	return &Aggregator{
		store:   s,
		fleet:   fleet,
		storage: storage,
		cfg:     cfg,
		metrics: metrics,
		log:     slog.With("component", "aggregator"),
	}
}

// Poll returns the current snapshot for job. It may move the job to
// completed or failed; errors from the fleet never surface to the caller.
func (a *Aggregator) Poll(ctx context.Context, job *model.Job) (*model.ProgressSnapshot, error) {
	if job.Terminal() {
		return SnapshotFromRecord(job), nil
	}
	if job.Status == model.JobStatusQueued || job.ExternalHandle == nil {
		return queuedSnapshot(job), nil
	}

	h := job.ExternalHandle
	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProgressTimeout)
	p, err := a.fleet.Progress(pctx, h.RenderID, h.Bucket)
	cancel()
	if err != nil {
		if !errors.Is(err, client.ErrRenderNotFound) {
			a.log.Debug("progress read failed", "jobId", job.ID, "renderId", h.RenderID, "error", err)
		}
		return pseudoSnapshot(job), nil
	}

	if p.FatalError {
		return a.failRender(ctx, job, p)
	}
	if p.Done {
		return a.finalize(ctx, job, p)
	}

	snap := a.renderingSnapshot(job, p)
	if snap.Percent > job.ProgressPercent {
		if _, err := a.store.RecordProgress(ctx, job.ID, snap.Percent, snap.Stage); err != nil {
			a.log.Warn("record progress failed", "jobId", job.ID, "error", err)
		}
	}
	return snap, nil
}

// Percent computes the blended completion, clamped to [0, 99].
func (a *Aggregator) Percent(h *model.ExternalHandle, p *client.FleetProgress) int {
	total := h.TotalFrames
	chunks := p.ChunksTotal
	if chunks <= 0 {
		chunks = h.ShardCount
	}
	w := a.cfg.Weights
	blend := w.Render*ratio(p.FramesRendered, total) +
		w.Encode*ratio(p.FramesEncoded, total) +
		w.Combine*ratio(p.ChunksDone, chunks)
	// epsilon absorbs float error so 0.3 of the way reads as 30, not 29
	pct := int(math.Floor(100*blend + 1e-9))
	if pct < 0 {
		return 0
	}
	if pct > 99 {
		return 99
	}
	return pct
}

func (a *Aggregator) renderingSnapshot(job *model.Job, p *client.FleetProgress) *model.ProgressSnapshot {
	h := job.ExternalHandle
	pct := a.Percent(h, p)
	if pct < job.ProgressPercent {
		pct = job.ProgressPercent
	}
	chunks := p.ChunksTotal
	if chunks <= 0 {
		chunks = h.ShardCount
	}
	return &model.ProgressSnapshot{
		JobID:          job.ID,
		Status:         model.SnapshotRendering,
		Percent:        pct,
		Stage:          stageOf(p, h.TotalFrames, chunks),
		FramesRendered: p.FramesRendered,
		FramesEncoded:  p.FramesEncoded,
		ShardsDone:     p.ChunksDone,
		ShardsTotal:    chunks,
	}
}

func (a *Aggregator) failRender(ctx context.Context, job *model.Job, p *client.FleetProgress) (*model.ProgressSnapshot, error) {
	msg := p.ErrorMessage
	if msg == "" {
		msg = "render fleet reported a fatal error"
	}
	applied, err := a.store.Transition(ctx, job.ID,
		store.Condition{From: []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}},
		model.JobStatusFailed,
		store.Fields{ErrorCode: model.ErrCodeRenderFailed, ErrorMessage: msg})
	if err != nil {
		return nil, fmt.Errorf("mark render failed: %w", err)
	}
	if applied {
		a.metrics.RecordFailed(ctx, model.ErrCodeRenderFailed)
		a.log.Info("render failed", "jobId", job.ID, "message", msg)
	}
	return a.reload(ctx, job.ID)
}

// finalize makes sure the artifact sits at the destination key, signs it
// and completes the job. Anything short of a provably missing artifact
// leaves the job rendering at 99% for the next poll to retry.
func (a *Aggregator) finalize(ctx context.Context, job *model.Job, p *client.FleetProgress) (*model.ProgressSnapshot, error) {
	log := a.log.With("jobId", job.ID)
	h := job.ExternalHandle
	destKey := OutputPrefix(job.ID) + "output" + outputExt(p.OutputKey)

	info, err := a.head(ctx, "", destKey)
	if errors.Is(err, client.ErrObjectNotFound) {
		info, err = a.copyFromStaging(ctx, h.Bucket, p.OutputKey, destKey)
		if errors.Is(err, client.ErrObjectNotFound) {
			if p.OutputURL != "" {
				return a.completeWithAlternate(ctx, job, p, "artifact not found in storage")
			}
			log.Warn("render done but output is missing", "stagingKey", p.OutputKey, "destKey", destKey)
			a.metrics.RecordFinalize(ctx, "missing")
			return a.failOutputMissing(ctx, job, destKey)
		}
	}
	if err != nil {
		return a.finalizeRetry(ctx, job, p, fmt.Sprintf("locate output: %v", err))
	}

	sctx, cancel := context.WithTimeout(ctx, a.cfg.StorageTimeout)
	url, err := a.storage.GetSignedURL(sctx, destKey, a.cfg.PresignExpiry)
	cancel()
	if err != nil {
		return a.finalizeRetry(ctx, job, p, fmt.Sprintf("presign output: %v", err))
	}

	size := info.Size
	if size == 0 {
		size = p.OutputSizeBytes
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	out := &model.OutputRef{
		URL:         url,
		Bucket:      a.storage.Bucket(),
		Key:         destKey,
		SizeBytes:   size,
		ContentType: contentType,
		DurationMs:  p.TimeToFinishMs,
	}
	return a.complete(ctx, job, out, "copied")
}

func (a *Aggregator) copyFromStaging(ctx context.Context, bucket, stagingKey, destKey string) (*client.ObjectInfo, error) {
	if stagingKey == "" {
		return nil, client.ErrObjectNotFound
	}
	if _, err := a.head(ctx, bucket, stagingKey); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.StorageTimeout)
	err := a.storage.Copy(sctx, bucket, stagingKey, destKey)
	cancel()
	if err != nil {
		if errors.Is(err, client.ErrObjectNotFound) {
			// vanished between head and copy; treat as transient
			return nil, fmt.Errorf("copy %s: source disappeared", stagingKey)
		}
		return nil, err
	}
	return a.head(ctx, "", destKey)
}

func (a *Aggregator) head(ctx context.Context, bucket, key string) (*client.ObjectInfo, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.StorageTimeout)
	defer cancel()
	return a.storage.Head(sctx, bucket, key)
}

func (a *Aggregator) finalizeRetry(ctx context.Context, job *model.Job, p *client.FleetProgress, reason string) (*model.ProgressSnapshot, error) {
	if p.OutputURL != "" {
		return a.completeWithAlternate(ctx, job, p, reason)
	}
	a.log.Warn("finalization deferred", "jobId", job.ID, "reason", reason)
	a.metrics.RecordFinalize(ctx, "deferred")

	snap := a.renderingSnapshot(job, p)
	snap.Percent = 99
	snap.Stage = model.StageFinalize
	if _, err := a.store.RecordProgress(ctx, job.ID, 99, model.StageFinalize); err != nil {
		a.log.Warn("record progress failed", "jobId", job.ID, "error", err)
	}
	return snap, nil
}

func (a *Aggregator) completeWithAlternate(ctx context.Context, job *model.Job, p *client.FleetProgress, reason string) (*model.ProgressSnapshot, error) {
	a.log.Info("completing with fleet output url", "jobId", job.ID, "reason", reason)
	out := &model.OutputRef{
		URL:         p.OutputURL,
		Bucket:      job.ExternalHandle.Bucket,
		Key:         p.OutputKey,
		SizeBytes:   p.OutputSizeBytes,
		ContentType: "video/mp4",
		DurationMs:  p.TimeToFinishMs,
	}
	return a.complete(ctx, job, out, "alternate")
}

func (a *Aggregator) complete(ctx context.Context, job *model.Job, out *model.OutputRef, result string) (*model.ProgressSnapshot, error) {
	applied, err := store.MarkCompleted(ctx, a.store, job.ID, out)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if applied {
		a.metrics.RecordFinalize(ctx, result)
		a.metrics.RecordCompleted(ctx)
		a.log.Info("render completed", "jobId", job.ID, "key", out.Key, "sizeBytes", out.SizeBytes)
	}
	return a.reload(ctx, job.ID)
}

func (a *Aggregator) failOutputMissing(ctx context.Context, job *model.Job, destKey string) (*model.ProgressSnapshot, error) {
	applied, err := store.MarkFailed(ctx, a.store, job.ID, model.ErrCodeOutputMissing,
		fmt.Sprintf("render finished but no output was found at %s", destKey))
	if err != nil {
		return nil, fmt.Errorf("mark output missing: %w", err)
	}
	if applied {
		a.metrics.RecordFailed(ctx, model.ErrCodeOutputMissing)
	}
	return a.reload(ctx, job.ID)
}

// reload reads the authoritative record after a terminal write attempt,
// whether or not this caller's write won.
func (a *Aggregator) reload(ctx context.Context, id string) (*model.ProgressSnapshot, error) {
	job, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload job %s: %w", id, err)
	}
	if !job.Terminal() {
		return pseudoSnapshot(job), nil
	}
	return SnapshotFromRecord(job), nil
}

// SnapshotFromRecord builds a snapshot from the stored job alone.
func SnapshotFromRecord(job *model.Job) *model.ProgressSnapshot {
	switch job.Status {
	case model.JobStatusCompleted:
		return &model.ProgressSnapshot{
			JobID:   job.ID,
			Status:  model.SnapshotCompleted,
			Percent: 100,
			Stage:   model.StageDone,
			Output:  job.Output,
		}
	case model.JobStatusFailed:
		return &model.ProgressSnapshot{
			JobID:   job.ID,
			Status:  model.SnapshotFailed,
			Percent: job.ProgressPercent,
			Stage:   job.ProgressStage,
			Error:   &model.JobError{Code: job.ErrorCode, Message: job.ErrorMessage},
		}
	case model.JobStatusQueued:
		return queuedSnapshot(job)
	default:
		return pseudoSnapshot(job)
	}
}

func queuedSnapshot(job *model.Job) *model.ProgressSnapshot {
	return &model.ProgressSnapshot{JobID: job.ID, Status: model.SnapshotQueued, Stage: model.StageQueued}
}

// pseudoSnapshot is shown when the fleet cannot be read: queued until any
// progress was recorded, then the recorded high-water mark.
func pseudoSnapshot(job *model.Job) *model.ProgressSnapshot {
	if job.ProgressPercent <= 0 {
		return queuedSnapshot(job)
	}
	snap := &model.ProgressSnapshot{
		JobID:   job.ID,
		Status:  model.SnapshotRendering,
		Percent: job.ProgressPercent,
		Stage:   job.ProgressStage,
	}
	if h := job.ExternalHandle; h != nil {
		snap.ShardsTotal = h.ShardCount
	}
	return snap
}

func stageOf(p *client.FleetProgress, totalFrames, chunks int) string {
	switch {
	case chunks > 0 && p.ChunksDone >= chunks:
		return model.StageCombining
	case totalFrames > 0 && p.FramesRendered >= totalFrames:
		return model.StageEncoding
	default:
		return model.StageRendering
	}
}

func ratio(n, d int) float64 {
	if d <= 0 || n <= 0 {
		return 0
	}
	if n >= d {
		return 1
	}
	return float64(n) / float64(d)
}

func outputExt(key string) string {
	if ext := path.Ext(key); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".mp4"
}
