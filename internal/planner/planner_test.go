package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanExamples(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	tests := []struct {
		name       string
		durationMs int
		fps        int
		wantFrames int
		wantShard  int
		wantCount  int
	}{
		{"24s at 30fps", 24000, 30, 720, 20, 36},
		{"zero duration falls back", 0, 30, 150, 20, 8},
		{"zero fps falls back", 1000, 0, 30, 20, 2},
		{"one frame", 1, 30, 1, 20, 1},
		{"ten minutes", 600000, 30, 18000, 90, 200},
		{"rounded up", 1001, 30, 31, 20, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan, err := p.Plan(tt.durationMs, tt.fps)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrames, plan.TotalFrames)
			assert.Equal(t, tt.wantShard, plan.ShardSize)
			assert.Equal(t, tt.wantCount, plan.ShardCount())
		})
	}
}

func TestPlanProperties(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	p := New(cfg)
	for _, fps := range []int{1, 24, 30, 60} {
		for ms := 0; ms <= 3_600_000; ms += 7919 {
			plan, err := p.Plan(ms, fps)
			if err != nil {
				require.ErrorIs(t, err, ErrTooManyFrames)
				continue
			}
			require.GreaterOrEqual(t, plan.ShardSize, cfg.MinShard)
			require.LessOrEqual(t, plan.ShardSize, cfg.MaxShard)
			require.LessOrEqual(t, plan.ShardCount(), cfg.MaxWorkers, "ms=%d fps=%d", ms, fps)
			require.NotEmpty(t, plan.Shards)

			next := 0
			for _, r := range plan.Shards {
				require.Equal(t, next, r.Start)
				require.Positive(t, r.Count)
				require.LessOrEqual(t, r.Count, plan.ShardSize)
				next += r.Count
			}
			require.Equal(t, plan.TotalFrames, next)
		}
	}
}

func TestPlanTooManyFrames(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxWorkers: 2, MinShard: 10, MaxShard: 50})
	_, err := p.Plan(4000, 30) // 120 frames > 2*50
	assert.ErrorIs(t, err, ErrTooManyFrames)

	plan, err := p.Plan(3000, 30) // exactly 90
	require.NoError(t, err)
	assert.Equal(t, 45, plan.ShardSize)
	assert.Equal(t, 2, plan.ShardCount())
}

func TestPlanNegativeInput(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultConfig()).Plan(-1, 30)
	assert.Error(t, err)
}

func TestTotalFrames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, TotalFrames(0, 30))
	assert.Equal(t, 720, TotalFrames(24000, 30))
	assert.Equal(t, 2, TotalFrames(34, 30))
}
