// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 30s
}

// Exponential returns the delay before the given attempt.
// Attempt 1 waits Initial, each later attempt doubles, capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := time.Second
	ceiling := 30 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
	}
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) || math.IsInf(d, 0) {
		return ceiling
	}
	return time.Duration(d)
}
