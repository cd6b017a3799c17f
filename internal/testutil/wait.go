// Package testutil holds polling helpers for tests that observe async work.
package testutil

import (
	"testing"
	"time"
)

type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait (default 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// WaitFor polls condition until it returns true or the timeout passes.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := WaitOptions{Timeout: 5 * time.Second, Interval: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, msg string, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting: %s", msg)
	}
}
