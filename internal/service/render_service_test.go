package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcraft/api/internal/apperrors"
	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/store"
)

func TestStartAcceptsAndDispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Start(ctx, sampleRequest(), "svc-web")
	require.NoError(t, err)
	assert.Equal(t, model.StartAccepted, resp.Status)
	assert.NotEmpty(t, resp.JobID)

	job, err := h.store.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, 720, job.TotalFrames)
	assert.Equal(t, "svc-web", job.CallerID)
	assert.Equal(t, 36, job.ExternalHandle.ShardCount)

	watches := h.enq.watchPayloads(t)
	require.Len(t, watches, 1)
	assert.Equal(t, resp.JobID, watches[0].JobID)
	assert.Equal(t, 1, watches[0].Attempt)
}

func TestStartDuplicateReturnsLiveJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Start(ctx, sampleRequest(), "svc")
	require.NoError(t, err)

	req := sampleRequest()
	req.AssetToken = "a-different-token"
	req.InputProps = json.RawMessage(`{ "theme": {"color":"red"}, "title": "Hello" }`)
	second, err := h.svc.Start(ctx, req, "svc")
	require.NoError(t, err)
	assert.Equal(t, model.StartDuplicate, second.Status)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, h.fleet.submitCount())
}

// indexDownStore fails every idempotency lookup.
type indexDownStore struct {
	*store.MemoryStore
}

func (s indexDownStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	return nil, errors.New("index unavailable")
}

func TestStartSurvivesIndexFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewRenderService(indexDownStore{h.store}, planner.New(planner.DefaultConfig()), h.dispatcher, h.aggregator,
		NewWatchScheduler(h.enq, time.Second, 10*time.Second), nil)

	first, err := svc.Start(ctx, sampleRequest(), "svc")
	require.NoError(t, err)
	assert.Equal(t, model.StartAccepted, first.Status)

	job, err := h.store.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)

	// the store's key claim still collapses the repeat
	second, err := svc.Start(ctx, sampleRequest(), "svc")
	require.NoError(t, err)
	assert.Equal(t, model.StartDuplicate, second.Status)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, h.fleet.submitCount())
}

func TestStartAfterFailureCreatesNewJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fleet.submitErr = errors.New("fleet down")

	_, err := h.svc.Start(ctx, sampleRequest(), "svc")
	require.Error(t, err)
	assert.Equal(t, 502, apperrors.HTTPStatus(err))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	failedID := appErr.JobID

	h.fleet.mu.Lock()
	h.fleet.submitErr = nil
	h.fleet.mu.Unlock()

	resp, err := h.svc.Start(ctx, sampleRequest(), "svc")
	require.NoError(t, err)
	assert.Equal(t, model.StartAccepted, resp.Status)
	assert.NotEqual(t, failedID, resp.JobID)
}

func TestConcurrentDuplicateStartsDispatchOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]*model.RenderStartResponse, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.svc.Start(ctx, sampleRequest(), "svc")
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].JobID, r.JobID)
		if r.Status == model.StartAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.fleet.submitCount())
}

func TestStartRejectsTooManyFrames(t *testing.T) {
	h := newHarness(t)
	req := sampleRequest()
	req.Scenes = nil
	for i := 0; i < 4; i++ {
		req.Scenes = append(req.Scenes, model.Scene{AssetURL: "https://cdn.example.com/x.png", AssetType: model.AssetTypeImage, DurationMs: 3600000})
	}

	_, err := h.svc.Start(context.Background(), req, "svc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 0, h.fleet.submitCount())
	assert.Empty(t, h.enq.watchPayloads(t))
}

func TestStartWithoutScenesUsesDefaultDuration(t *testing.T) {
	h := newHarness(t)
	req := sampleRequest()
	req.Scenes = nil
	req.FPS = 0

	resp, err := h.svc.Start(context.Background(), req, "svc")
	require.NoError(t, err)

	job, err := h.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 5000, job.DurationMs)
	assert.Equal(t, 30, job.FPS)
	assert.Equal(t, 150, job.TotalFrames)
	assert.Equal(t, 20, job.ExternalHandle.ShardSize)
	assert.Equal(t, 8, job.ExternalHandle.ShardCount)
}

func TestStartSurvivesWatchEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	h.enq.err = errors.New("redis down")

	resp, err := h.svc.Start(context.Background(), sampleRequest(), "svc")
	require.NoError(t, err)
	assert.Equal(t, model.StartAccepted, resp.Status)
}

func TestStatusUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Status(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStatusFollowsRenderToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Start(ctx, sampleRequest(), "svc")
	require.NoError(t, err)
	job, err := h.store.Get(ctx, resp.JobID)
	require.NoError(t, err)
	renderID := job.ExternalHandle.RenderID

	snap, err := h.svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotQueued, snap.Status)

	h.fleet.setProgress(renderID, client.FleetProgress{FramesRendered: 720, FramesEncoded: 720, ChunksDone: 18, ChunksTotal: 36})
	snap, err = h.svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotRendering, snap.Status)
	assert.Equal(t, 95, snap.Percent)

	h.storage.Put("fleet-staging", "out/"+renderID+".mp4", []byte("video"), "video/mp4")
	h.fleet.setProgress(renderID, client.FleetProgress{Done: true, OutputKey: "out/" + renderID + ".mp4", TimeToFinishMs: 9000})
	snap, err = h.svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotCompleted, snap.Status)

	body := snap.StatusResponse()
	require.NotNil(t, body.Output)
	assert.Equal(t, int64(5), body.Output.SizeBytes)
	assert.Equal(t, int64(9000), body.Output.DurationMs)
}

func TestFingerprintIgnoresFormattingAndSecrets(t *testing.T) {
	a := sampleRequest()
	b := sampleRequest()
	b.AssetToken = "other"
	b.InputProps = json.RawMessage(`{"theme":{"color":"red"},"title":"Hello"}`)
	assert.Equal(t, Fingerprint(a, 24000, 30), Fingerprint(b, 24000, 30))

	c := sampleRequest()
	c.InputProps = json.RawMessage(`{"title":"Bye"}`)
	assert.NotEqual(t, Fingerprint(a, 24000, 30), Fingerprint(c, 24000, 30))

	assert.NotEqual(t, Fingerprint(a, 24000, 30), Fingerprint(a, 24000, 60))
}
