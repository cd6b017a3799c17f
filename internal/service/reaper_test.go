package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcraft/api/internal/audit"
	"github.com/reelcraft/api/internal/lease"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/store"
)

type failingSink struct{}

func (failingSink) Record(context.Context, model.SweepAudit) error { return errors.New("disk full") }
func (failingSink) Recent(context.Context, int) ([]model.SweepAudit, error) {
	return nil, errors.New("disk full")
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (lease.Lease, bool, error) {
	return nil, false, errors.New("redis down")
}

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// staleFixture creates two jobs that go stale (one queued, one processing)
// and one fresh processing job.
func staleFixture(t *testing.T) (*store.MemoryStore, *testClock) {
	t.Helper()
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemoryStore(store.WithClock(clock.Now))

	require.NoError(t, s.CreateQueued(ctx, &model.Job{ID: "stale-queued", IdempotencyKey: "k1", AssetToken: "t"}))
	require.NoError(t, s.CreateQueued(ctx, &model.Job{ID: "stale-proc", IdempotencyKey: "k2"}))
	_, err := store.MarkProcessing(ctx, s, "stale-proc", &model.ExternalHandle{RenderID: "r"})
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	require.NoError(t, s.CreateQueued(ctx, &model.Job{ID: "fresh", IdempotencyKey: "k3"}))
	_, err = store.MarkProcessing(ctx, s, "fresh", &model.ExternalHandle{RenderID: "r3"})
	require.NoError(t, err)
	return s, clock
}

func newTestReaper(s store.Store, clock *testClock, locker lease.Locker, sink audit.Sink) *Reaper {
	r := NewReaper(s, locker, sink, ReaperConfig{StuckAfter: 30 * time.Minute}, nil)
	r.now = clock.Now
	return r
}

func TestSweepMarksStaleJobs(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)
	sink := audit.NewRedisSink(newRedis(t), 0)
	r := newTestReaper(s, clock, nil, sink)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.MarkedStuck)
	assert.Equal(t, 0, res.Skipped)

	for id, was := range map[string]string{"stale-queued": "queued", "stale-proc": "processing"} {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, j.Status)
		assert.Equal(t, model.ErrCodeTimeoutStuck, j.ErrorCode)
		assert.Equal(t, "job stuck in "+was+": no progress for more than 30m0s", j.ErrorMessage)
		assert.Empty(t, j.AssetToken)
	}
	fresh, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, fresh.Status)

	recs, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.LockModeLockFree, recs[0].LockMode)
	assert.ElementsMatch(t, []string{"stale-queued", "stale-proc"}, recs[0].MarkedIDs)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)
	r := newTestReaper(s, clock, nil, nil)

	first, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.MarkedStuck)

	second, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.MarkedStuck)
	assert.Equal(t, 0, second.Checked)
}

func TestSweepSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)
	rdb := newRedis(t)
	locker := lease.NewRedisLocker(rdb)
	sink := audit.NewRedisSink(rdb, 0)

	held, ok, err := locker.Acquire(ctx, ReaperLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	res, err := newTestReaper(s, clock, locker, sink).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.MarkedStuck)

	j, err := s.Get(ctx, "stale-proc")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, j.Status)

	recs, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.LockModeContended, recs[0].LockMode)
}

func TestSweepReleasesLease(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)
	locker := lease.NewRedisLocker(newRedis(t))

	res, err := newTestReaper(s, clock, locker, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MarkedStuck)

	l, ok, err := locker.Acquire(ctx, ReaperLockName, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
}

func TestConcurrentSweepsMarkEachJobOnce(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)
	locker := lease.NewRedisLocker(newRedis(t))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newTestReaper(s, clock, locker, nil).Sweep(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += res.MarkedStuck
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, total)
}

func TestSweepRunsLockFreeWhenLockerFails(t *testing.T) {
	s, clock := staleFixture(t)
	res, err := newTestReaper(s, clock, brokenLocker{}, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MarkedStuck)
}

func TestSweepSurvivesAuditFailure(t *testing.T) {
	s, clock := staleFixture(t)
	res, err := newTestReaper(s, clock, nil, failingSink{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MarkedStuck)
}

func TestSweepSkipsJobThatProgressed(t *testing.T) {
	ctx := context.Background()
	s, clock := staleFixture(t)

	// progress refreshes updatedAt, so the job is no longer a candidate
	r := newTestReaper(s, clock, nil, nil)
	_, err := s.RecordProgress(ctx, "stale-proc", 10, model.StageRendering)
	require.NoError(t, err)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.MarkedStuck)

	j, err := s.Get(ctx, "stale-proc")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, j.Status)
}
