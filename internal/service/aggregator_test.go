package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/model"
)

func TestPollQueuedJob(t *testing.T) {
	h := newHarness(t)
	job := &model.Job{ID: "q1", CompositionID: "c"}
	require.NoError(t, h.store.CreateQueued(context.Background(), job))

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotQueued, snap.Status)
	assert.Equal(t, 0, snap.Percent)
}

func TestPollWeightsAndStoresHighWaterMark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.processingJob(t, "j1")

	h.fleet.setProgress("r-j1", client.FleetProgress{FramesRendered: 360, ChunksTotal: 36})
	snap, err := h.aggregator.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotRendering, snap.Status)
	assert.Equal(t, 30, snap.Percent)
	assert.Equal(t, model.StageRendering, snap.Stage)
	assert.Equal(t, 36, snap.ShardsTotal)

	stored, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 30, stored.ProgressPercent)

	// counters that went backwards never lower what the client sees
	h.fleet.setProgress("r-j1", client.FleetProgress{FramesRendered: 100, ChunksTotal: 36})
	snap, err = h.aggregator.Poll(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, 30, snap.Percent)

	h.fleet.setProgress("r-j1", client.FleetProgress{FramesRendered: 720, FramesEncoded: 360, ChunksTotal: 36})
	snap, err = h.aggregator.Poll(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, 75, snap.Percent)
	assert.Equal(t, model.StageEncoding, snap.Stage)
}

func TestPollClampsBelowHundredUntilDone(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")

	h.fleet.setProgress("r-j1", client.FleetProgress{FramesRendered: 720, FramesEncoded: 720, ChunksDone: 36, ChunksTotal: 36})
	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotRendering, snap.Status)
	assert.Equal(t, 99, snap.Percent)
	assert.Equal(t, model.StageCombining, snap.Stage)
}

func TestPercentStaysInRange(t *testing.T) {
	h := newHarness(t)
	handle := &model.ExternalHandle{TotalFrames: 100, ShardCount: 5}
	for _, p := range []client.FleetProgress{
		{},
		{FramesRendered: -5},
		{FramesRendered: 1000, FramesEncoded: 1000, ChunksDone: 50},
		{FramesRendered: 50, FramesEncoded: 10, ChunksDone: 1},
	} {
		p := p
		pct := h.aggregator.Percent(handle, &p)
		assert.GreaterOrEqual(t, pct, 0)
		assert.LessOrEqual(t, pct, 99)
	}
}

func TestPollFleetUnreachableShowsPseudoState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.processingJob(t, "j1")
	h.fleet.progErr = errors.New("connection refused")

	snap, err := h.aggregator.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotQueued, snap.Status)

	_, err = h.store.RecordProgress(ctx, "j1", 42, model.StageEncoding)
	require.NoError(t, err)
	job, err = h.store.Get(ctx, "j1")
	require.NoError(t, err)

	snap, err = h.aggregator.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotRendering, snap.Status)
	assert.Equal(t, 42, snap.Percent)

	got, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestPollNotYetPublishedIsNotAnError(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotQueued, snap.Status)
}

func TestPollFatalErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	h.fleet.setProgress("r-j1", client.FleetProgress{FatalError: true, ErrorMessage: "chunk 3 crashed"})

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, model.ErrCodeRenderFailed, snap.Error.Code)
	assert.Equal(t, "chunk 3 crashed", snap.Error.Message)

	got, err := h.store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Empty(t, got.AssetToken)
	assert.Empty(t, got.InputProps)
}

func TestFinalizeCopiesFromStaging(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	h.storage.Put("fleet-staging", "renders/r-j1/out.mp4", []byte("0123456789"), "video/mp4")
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "renders/r-j1/out.mp4", TimeToFinishMs: 41000})

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotCompleted, snap.Status)
	assert.Equal(t, 100, snap.Percent)
	require.NotNil(t, snap.Output)
	assert.Equal(t, "renders/j1/output.mp4", snap.Output.Key)
	assert.Equal(t, int64(10), snap.Output.SizeBytes)
	assert.Equal(t, int64(41000), snap.Output.DurationMs)
	assert.Contains(t, snap.Output.URL, "renders/j1/output.mp4")
	assert.True(t, h.storage.Has("", "renders/j1/output.mp4"))

	got, err := h.store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Empty(t, got.AssetToken)
}

func TestFinalizeUsesExistingDestination(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	h.storage.Put("", "renders/j1/output.mp4", []byte("abc"), "video/mp4")
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "gone.mp4"})

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotCompleted, snap.Status)
	assert.Equal(t, int64(3), snap.Output.SizeBytes)
}

func TestFinalizeTransientErrorRetriesOnNextPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.processingJob(t, "j1")
	h.storage.HeadErr = errors.New("503 slow down")
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "out.mp4"})

	snap, err := h.aggregator.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotRendering, snap.Status)
	assert.Equal(t, 99, snap.Percent)
	assert.Equal(t, model.StageFinalize, snap.Stage)

	got, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)

	h.storage.HeadErr = nil
	h.storage.Put("fleet-staging", "out.mp4", []byte("xy"), "video/mp4")
	snap, err = h.aggregator.Poll(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotCompleted, snap.Status)
}

// stalledStorage never answers Head until the caller gives up.
type stalledStorage struct {
	*client.MemoryStorage
}

func (s stalledStorage) Head(ctx context.Context, bucket, key string) (*client.ObjectInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFinalizeStalledStorageDefersInsteadOfBlocking(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	storage := stalledStorage{client.NewMemoryStorage("renders-out")}
	agg := NewAggregator(h.store, h.fleet, storage, AggregatorConfig{
		ProgressTimeout: 100 * time.Millisecond,
		StorageTimeout:  50 * time.Millisecond,
	}, nil)
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "out.mp4"})

	type result struct {
		snap *model.ProgressSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := agg.Poll(context.Background(), job)
		done <- result{snap, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, model.SnapshotRendering, r.snap.Status)
		assert.Equal(t, 99, r.snap.Percent)
		assert.Equal(t, model.StageFinalize, r.snap.Stage)
	case <-time.After(3 * time.Second):
		t.Fatal("Poll blocked on a stalled storage call")
	}

	got, err := h.store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestFinalizePresignFailureFallsBackToFleetURL(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	h.storage.Put("fleet-staging", "out.mp4", []byte("xy"), "video/mp4")
	h.storage.SignErr = errors.New("signer down")
	h.fleet.setProgress("r-j1", client.FleetProgress{
		Done: true, OutputKey: "out.mp4", OutputURL: "https://fleet.example.com/out.mp4", OutputSizeBytes: 2,
	})

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotCompleted, snap.Status)
	assert.Equal(t, "https://fleet.example.com/out.mp4", snap.Output.URL)
}

func TestFinalizeMissingOutputFailsJob(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(t, "j1")
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "out.mp4"})

	snap, err := h.aggregator.Poll(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotFailed, snap.Status)
	assert.Equal(t, model.ErrCodeOutputMissing, snap.Error.Code)
}

func TestPollTerminalJobReadsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.processingJob(t, "j1")
	_, err := h.store.Transition(ctx, "j1", storeFrom(model.JobStatusProcessing), model.JobStatusFailed,
		storeFields(model.ErrCodeTimeoutStuck, "stuck"))
	require.NoError(t, err)
	// the fleet would now claim success; the record wins
	h.fleet.setProgress("r-j1", client.FleetProgress{Done: true, OutputKey: "out.mp4"})

	job, err = h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	snap, err := h.aggregator.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotFailed, snap.Status)
	assert.Equal(t, model.ErrCodeTimeoutStuck, snap.Error.Code)
}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Render: 6, Encode: 3, Combine: 1}.normalized()
	assert.InDelta(t, 0.6, w.Render, 1e-9)
	assert.InDelta(t, 0.1, w.Combine, 1e-9)

	assert.Equal(t, DefaultWeights(), Weights{}.normalized())
	assert.Equal(t, DefaultWeights(), Weights{Render: -1, Encode: 1}.normalized())
}
