// Package planner sizes render shards so a job never needs more workers than
// the fleet ceiling allows.
package planner

import (
	"errors"
	"fmt"
)

// ErrTooManyFrames means no shard size within bounds keeps the worker count
// under MaxWorkers.
var ErrTooManyFrames = errors.New("too many frames for worker ceiling")

type Config struct {
	MaxWorkers        int
	MinShard          int
	MaxShard          int
	DefaultFPS        int
	DefaultDurationMs int
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:        200,
		MinShard:          20,
		MaxShard:          1800,
		DefaultFPS:        30,
		DefaultDurationMs: 5000,
	}
}

// FrameRange is a contiguous run of frames handled by one worker.
type FrameRange struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

type ShardPlan struct {
	DurationMs  int          `json:"durationMs"`
	FPS         int          `json:"fps"`
	TotalFrames int          `json:"totalFrames"`
	ShardSize   int          `json:"shardSize"`
	Shards      []FrameRange `json:"shards"`
}

// ShardCount is the number of worker invocations the plan needs.
func (p ShardPlan) ShardCount() int {
	return len(p.Shards)
}

type Planner struct {
	cfg Config
}

// New fills zero fields of cfg from DefaultConfig.
func New(cfg Config) *Planner {
	d := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.MinShard <= 0 {
		cfg.MinShard = d.MinShard
	}
	if cfg.MaxShard <= 0 {
		cfg.MaxShard = d.MaxShard
	}
	if cfg.MaxShard < cfg.MinShard {
		cfg.MaxShard = cfg.MinShard
	}
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = d.DefaultFPS
	}
	if cfg.DefaultDurationMs <= 0 {
		cfg.DefaultDurationMs = d.DefaultDurationMs
	}
	return &Planner{cfg: cfg}
}

func (p *Planner) Config() Config {
	return p.cfg
}

// TotalFrames converts a duration to a frame count, rounding up, never 0.
func TotalFrames(durationMs, fps int) int {
	frames := ceilDiv(durationMs*fps, 1000)
	if frames < 1 {
		return 1
	}
	return frames
}

// Plan computes shard = clamp(ceil(frames/MaxWorkers), MinShard, MaxShard).
// A zero duration or fps falls back to the configured defaults.
func (p *Planner) Plan(durationMs, fps int) (ShardPlan, error) {
	if durationMs < 0 || fps < 0 {
		return ShardPlan{}, fmt.Errorf("plan: negative input (durationMs=%d fps=%d)", durationMs, fps)
	}
	if durationMs == 0 {
		durationMs = p.cfg.DefaultDurationMs
	}
	if fps == 0 {
		fps = p.cfg.DefaultFPS
	}

	total := TotalFrames(durationMs, fps)
	if total > p.cfg.MaxWorkers*p.cfg.MaxShard {
		return ShardPlan{}, fmt.Errorf("%w: %d frames exceeds %d workers x %d", ErrTooManyFrames, total, p.cfg.MaxWorkers, p.cfg.MaxShard)
	}

	shard := clamp(ceilDiv(total, p.cfg.MaxWorkers), p.cfg.MinShard, p.cfg.MaxShard)

	shards := make([]FrameRange, 0, ceilDiv(total, shard))
	for start := 0; start < total; start += shard {
		n := shard
		if start+n > total {
			n = total - start
		}
		shards = append(shards, FrameRange{Start: start, Count: n})
	}

	return ShardPlan{
		DurationMs:  durationMs,
		FPS:         fps,
		TotalFrames: total,
		ShardSize:   shard,
		Shards:      shards,
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
