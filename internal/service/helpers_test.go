package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/store"
	"github.com/reelcraft/api/pkg/circuitbreaker"
)

type fakeFleet struct {
	mu        sync.Mutex
	submits   []*client.SubmitRenderRequest
	submitErr error
	block     bool // Submit waits for ctx to end
	progress  map[string]*client.FleetProgress
	progErr   error
	nextID    int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{progress: make(map[string]*client.FleetProgress)}
}

func (f *fakeFleet) Submit(ctx context.Context, req *client.SubmitRenderRequest) (*client.SubmitRenderResponse, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	block, err := f.block, f.submitErr
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &client.SubmitRenderResponse{RenderID: "r-" + strconv.Itoa(id), Bucket: "fleet-staging"}, nil
}

func (f *fakeFleet) Progress(ctx context.Context, renderID, bucket string) (*client.FleetProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progErr != nil {
		return nil, f.progErr
	}
	p, ok := f.progress[renderID]
	if !ok {
		return nil, client.ErrRenderNotFound
	}
	c := *p
	return &c, nil
}

func (f *fakeFleet) setProgress(renderID string, p client.FleetProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[renderID] = &p
}

func (f *fakeFleet) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *fakeEnqueuer) watchPayloads(t *testing.T) []WatchPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []WatchPayload
	for _, task := range e.tasks {
		if task.Type() != TaskTypeWatch {
			continue
		}
		var p WatchPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			t.Fatalf("bad watch payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store      *store.MemoryStore
	fleet      *fakeFleet
	storage    *client.MemoryStorage
	enq        *fakeEnqueuer
	dispatcher *Dispatcher
	aggregator *Aggregator
	svc        *RenderService
}

func newHarness(t *testing.T, opts ...store.Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(opts...),
		fleet:   newFakeFleet(),
		storage: client.NewMemoryStorage("renders-out"),
		enq:     &fakeEnqueuer{},
	}
	h.dispatcher = NewDispatcher(h.fleet, h.store, circuitbreaker.New(circuitbreaker.Config{Threshold: 100}),
		DispatcherConfig{Timeout: 200 * time.Millisecond, Bucket: "renders-out", Codec: "h264"}, nil)
	h.aggregator = NewAggregator(h.store, h.fleet, h.storage, AggregatorConfig{}, nil)
	h.svc = NewRenderService(h.store, planner.New(planner.DefaultConfig()), h.dispatcher, h.aggregator,
		NewWatchScheduler(h.enq, time.Second, 10*time.Second), nil)
	return h
}

// processingJob stores a job and moves it to processing with a 720 frame,
// 36 shard handle.
func (h *harness) processingJob(t *testing.T, id string) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{
		ID:             id,
		IdempotencyKey: "key-" + id,
		CompositionID:  "comp",
		DurationMs:     24000,
		FPS:            30,
		TotalFrames:    720,
		InputProps:     json.RawMessage(`{"title":"x"}`),
		AssetToken:     "secret",
	}
	if err := h.store.CreateQueued(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	handle := &model.ExternalHandle{RenderID: "r-" + id, Bucket: "fleet-staging", ShardSize: 20, ShardCount: 36, TotalFrames: 720, FPS: 30}
	ok, err := store.MarkProcessing(ctx, h.store, id, handle)
	if err != nil || !ok {
		t.Fatalf("mark processing: %v %v", ok, err)
	}
	got, err := h.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func sampleRequest() *model.RenderStartRequest {
	return &model.RenderStartRequest{
		ProjectID:     "proj-1",
		CompositionID: "comp-1",
		FPS:           30,
		Scenes: []model.Scene{
			{AssetURL: "https://cdn.example.com/a.png", AssetType: model.AssetTypeImage, DurationMs: 12000},
			{AssetURL: "https://cdn.example.com/b.mp4", AssetType: model.AssetTypeVideo, DurationMs: 12000},
		},
		InputProps: json.RawMessage(`{"title":"Hello","theme":{"color":"red"}}`),
		AssetToken: "token-abc",
	}
}

func storeFrom(s ...model.JobStatus) store.Condition {
	return store.Condition{From: s}
}

func storeFields(code, msg string) store.Fields {
	return store.Fields{ErrorCode: code, ErrorMessage: msg}
}
